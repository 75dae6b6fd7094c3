// Package telemetry provides low-overhead request tracing next to the
// prometheus metrics in metrics.go. Full traces are sampled (off the hot
// path by default); non-sampled requests only leave a record when they are
// slow. Trace blocks are appended to <state>/telemetry/telemetry.jsonl by a
// background writer.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"branchdb/pkg/state"
)

type ctxKeyType struct{}

var (
	writerOnce sync.Once
	writerCh   chan []byte

	envOnce sync.Once

	requestCtr uint64
	spanCtr    uint64

	sampleRate    = 0.001 // full traces for ~1 in 1000 requests
	slowThreshold = 200 * time.Millisecond
)

// SetSampleRate sets the approximate full-trace sampling rate (0..1).
// Zero disables tracing; slow requests are still recorded.
func SetSampleRate(r float64) {
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	sampleRate = r
}

// SetSlowThreshold sets the duration above which a non-sampled request
// leaves a record.
func SetSlowThreshold(d time.Duration) {
	if d < 0 {
		d = 0
	}
	slowThreshold = d
}

// loadEnvOverrides applies BRANCHDB_TRACE_SAMPLE_RATE and
// BRANCHDB_SLOW_REQUEST_MS once, on first request.
func loadEnvOverrides() {
	if v := os.Getenv("BRANCHDB_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			SetSampleRate(f)
		}
	}
	if v := os.Getenv("BRANCHDB_SLOW_REQUEST_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			SetSlowThreshold(time.Duration(ms) * time.Millisecond)
		}
	}
}

// Span records one timed operation relative to request start (ms).
type Span struct {
	ID       string                 `json:"id"`
	ParentID string                 `json:"parent_id,omitempty"`
	Op       string                 `json:"op"`
	StartMs  int64                  `json:"start_ms"`
	Duration int64                  `json:"duration_ms"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Telemetry is the per-request trace. Present in the context only for
// sampled requests.
type Telemetry struct {
	RequestID string `json:"request_id"`
	Op        string `json:"op"`
	StartMs   int64  `json:"start_ms"`
	Duration  int64  `json:"duration_ms"`
	Status    int    `json:"status"`
	Spans     []Span `json:"spans,omitempty"`

	startTime time.Time
	mu        sync.Mutex
	spanStack []string
}

// Middleware records request duration into the prometheus histogram and,
// for sampled requests, a full span trace.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envOnce.Do(loadEnvOverrides)

		start := time.Now()
		reqID := genRequestID()

		var tel *Telemetry
		if shouldSample(r) {
			tel = &Telemetry{
				RequestID: reqID,
				Op:        opName(r),
				startTime: start,
				StartMs:   start.UnixNano() / 1e6,
			}
			rootID := genSpanID()
			tel.Spans = append(tel.Spans, Span{ID: rootID, Op: tel.Op})
			tel.spanStack = append(tel.spanStack, rootID)
			r = r.WithContext(context.WithValue(r.Context(), ctxKeyType{}, tel))
		}

		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)

		dur := time.Since(start)
		ObserveRequest(r.Method, routeLabel(r.URL.Path), srw.status, dur)

		switch {
		case tel != nil:
			tel.mu.Lock()
			tel.Status = srw.status
			tel.Duration = dur.Milliseconds()
			block := renderTrace(tel)
			tel.mu.Unlock()
			emit(block)
		case dur > slowThreshold:
			emit([]byte(fmt.Sprintf("SLOW %s op=%s duration_ms=%d status=%d\n",
				reqID, opName(r), dur.Milliseconds(), srw.status)))
		}
	})
}

// opName prefers the caller-provided X-Operation header, falling back to
// the request path.
func opName(r *http.Request) string {
	if op := r.Header.Get("X-Operation"); op != "" {
		return op
	}
	return r.URL.Path
}

// emit hands a rendered block to the background writer, dropping when the
// channel is full rather than blocking a request.
func emit(b []byte) {
	writerOnce.Do(startWriter)
	select {
	case writerCh <- b:
	default:
	}
}

func startWriter() {
	writerCh = make(chan []byte, 1024)
	go func() {
		dir := filepath.Join("state", "telemetry")
		if state.PathsVar.State != "" {
			dir = filepath.Join(state.PathsVar.State, "telemetry")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return
		}
		f, err := os.OpenFile(filepath.Join(dir, "telemetry.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer f.Close()
		for b := range writerCh {
			f.Write(append(b, '\n'))
		}
	}()
}

// StartSpan opens a span on the sampled request trace and returns its end
// function. For non-sampled requests the returned func is a no-op.
func StartSpan(ctx context.Context, name string) func() {
	tel, ok := ctx.Value(ctxKeyType{}).(*Telemetry)
	if !ok {
		return func() {}
	}
	startRel := time.Since(tel.startTime).Milliseconds()
	id := genSpanID()

	tel.mu.Lock()
	parent := ""
	if n := len(tel.spanStack); n > 0 {
		parent = tel.spanStack[n-1]
	}
	tel.Spans = append(tel.Spans, Span{ID: id, ParentID: parent, Op: name, StartMs: startRel})
	tel.spanStack = append(tel.spanStack, id)
	idx := len(tel.Spans) - 1
	tel.mu.Unlock()

	return func() {
		endRel := time.Since(tel.startTime).Milliseconds()
		tel.mu.Lock()
		if idx < len(tel.Spans) {
			tel.Spans[idx].Duration = endRel - tel.Spans[idx].StartMs
		}
		if n := len(tel.spanStack); n > 0 {
			tel.spanStack = tel.spanStack[:n-1]
		}
		tel.mu.Unlock()
	}
}

// routeLabel collapses request paths into low-cardinality metric labels.
func routeLabel(p string) string {
	if strings.HasPrefix(p, "/v1/admin/") {
		return p // fixed admin route set, already low-cardinality
	}
	if !strings.HasPrefix(p, "/v1/conversations") {
		return p
	}
	rest := strings.TrimPrefix(p, "/v1/conversations")
	if rest == "" || rest == "/" {
		return "/v1/conversations"
	}
	for _, leaf := range []string{"tree", "path", "branches", "events", "versions", "reactions"} {
		if strings.HasSuffix(rest, "/"+leaf) {
			if leaf == "versions" || leaf == "reactions" {
				return "/v1/conversations/{id}/messages/{msgID}/" + leaf
			}
			return "/v1/conversations/{id}/" + leaf
		}
	}
	if i := strings.Index(rest, "/messages"); i >= 0 {
		if strings.HasSuffix(rest, "/messages") {
			return "/v1/conversations/{id}/messages"
		}
		return "/v1/conversations/{id}/messages/{msgID}"
	}
	return "/v1/conversations/{id}"
}

// renderTrace renders a sampled trace as an indented text block, spans
// nested under their parents in start order.
func renderTrace(t *Telemetry) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "REQUEST %s op=%s start_ms=%d duration_ms=%d status=%d\n",
		t.RequestID, t.Op, t.StartMs, t.Duration, t.Status)

	children := make(map[string][]Span)
	for _, sp := range t.Spans {
		children[sp.ParentID] = append(children[sp.ParentID], sp)
	}

	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		list := children[id]
		sort.SliceStable(list, func(i, j int) bool { return list[i].StartMs < list[j].StartMs })
		for _, sp := range list {
			b.WriteString(strings.Repeat("  ", depth))
			fmt.Fprintf(&b, "- %s id=%s start_ms=%d duration_ms=%d", sp.Op, sp.ID, sp.StartMs, sp.Duration)
			if len(sp.Data) > 0 {
				parts := make([]string, 0, len(sp.Data))
				for k, v := range sp.Data {
					parts = append(parts, fmt.Sprintf("%s=%v", k, v))
				}
				sort.Strings(parts)
				b.WriteString(" data=" + strings.Join(parts, ","))
			}
			b.WriteByte('\n')
			walk(sp.ID, depth+1)
		}
	}
	walk("", 1)
	b.WriteByte('\n')
	return []byte(b.String())
}

// shouldSample decides 1-in-N sampling; X-Debug-Telemetry: 1 forces a trace.
func shouldSample(r *http.Request) bool {
	if r.Header.Get("X-Debug-Telemetry") == "1" {
		return true
	}
	if sampleRate <= 0 {
		return false
	}
	denom := int64(1 / sampleRate)
	if denom <= 1 {
		return true
	}
	return int64(atomic.LoadUint64(&requestCtr))%denom == 0
}

func genRequestID() string {
	n := atomic.AddUint64(&requestCtr, 1)
	return "r-" + time.Now().Format("20060102T150405") + "-" + strconv.FormatUint(n, 10)
}

func genSpanID() string {
	return "s-" + strconv.FormatUint(atomic.AddUint64(&spanCtr, 1), 10)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
