package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "branchdb",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "branchdb",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	messagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "branchdb",
		Name:      "messages_appended_total",
		Help:      "Messages accepted for append (including edits and tombstones).",
	})

	treeBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "branchdb",
		Name:      "tree_builds_total",
		Help:      "Conversation tree derivations served.",
	})

	branchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "branchdb",
		Name:      "branches_created_total",
		Help:      "Branch points reserved via the branches endpoint.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "branchdb",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Entries waiting in the ingest queue.",
	})

	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "branchdb",
		Subsystem: "ingest",
		Name:      "queue_dropped_total",
		Help:      "Enqueue attempts rejected because the queue was full.",
	})
)

// ObserveRequest records one served request in the prometheus collectors.
func ObserveRequest(method, route string, status int, dur time.Duration) {
	requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(method, route).Observe(dur.Seconds())
}

// IncMessagesAppended counts a message accepted for append.
func IncMessagesAppended() { messagesAppended.Inc() }

// IncTreeBuilds counts a tree derivation.
func IncTreeBuilds() { treeBuilds.Inc() }

// IncBranchesCreated counts a reserved branch point.
func IncBranchesCreated() { branchesCreated.Inc() }

// SetQueueDepth reports the current ingest queue depth.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// IncQueueDropped counts a rejected enqueue.
func IncQueueDropped() { queueDropped.Inc() }

// MetricsHandler returns the prometheus scrape handler.
func MetricsHandler() http.Handler { return promhttp.Handler() }
