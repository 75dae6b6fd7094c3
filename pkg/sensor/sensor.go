package sensor

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Snapshot is a lightweight view of process resources used for adaptive
// batching decisions. Fields are best-effort and may be zero on platforms
// where a source is unavailable.
type Snapshot struct {
	Timestamp time.Time

	// Memory in bytes, from the Go runtime.
	MemTotal uint64
	MemUsed  uint64

	Goroutines int
}

// ThrottleRequest is an advisory signal emitted by components that want
// others to slow down or release resources.
type ThrottleRequest struct {
	// Source identifies the emitter (optional).
	Source string
	// Reason is a short string describing the request.
	Reason string
	// Severity [0..1] where 1 is most urgent.
	Severity float64
}

// Sensor polls process resources and exposes the current Snapshot. It also
// provides a small pub/sub for advisory throttle requests.
type Sensor struct {
	mu       sync.RWMutex
	snap     Snapshot
	interval time.Duration

	thMu     sync.RWMutex
	handlers []func(ThrottleRequest)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSensor creates a sensor that samples every interval.
func NewSensor(interval time.Duration) *Sensor {
	s := &Sensor{interval: interval}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start begins background polling. Call Stop to terminate.
func (s *Sensor) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		// warm initial sample
		s.sample()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop stops background polling and waits for the sampler to exit.
func (s *Sensor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Snapshot returns the most recent snapshot.
func (s *Sensor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// RegisterThrottleHandler registers a callback for advisory throttle
// requests. Handlers are invoked asynchronously.
func (s *Sensor) RegisterThrottleHandler(h func(ThrottleRequest)) {
	s.thMu.Lock()
	defer s.thMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// SendThrottle emits an advisory throttle request to registered handlers.
// Non-blocking; a handler that stalls is abandoned after a short grace.
func (s *Sensor) SendThrottle(req ThrottleRequest) {
	s.thMu.RLock()
	handlers := append([]func(ThrottleRequest){}, s.handlers...)
	s.thMu.RUnlock()
	for _, h := range handlers {
		go func(cb func(ThrottleRequest)) {
			done := make(chan struct{})
			go func() {
				cb(req)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(250 * time.Millisecond):
			}
		}(h)
	}
}

func (s *Sensor) sample() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	snap := Snapshot{
		Timestamp:  time.Now(),
		MemTotal:   memStats.Sys,
		MemUsed:    memStats.Alloc,
		Goroutines: runtime.NumGoroutine(),
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}
