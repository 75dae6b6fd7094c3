package sensor

import (
	"testing"
	"time"

	"branchdb/pkg/store"
)

func TestClassifyPressureThresholds(t *testing.T) {
	cfg := DefaultMonitorConfig()

	if got := classifyPressure(store.Stats{}, cfg); got != pressureNormal {
		t.Fatalf("idle store should be normal, got %v", got)
	}
	// a deep L0 alone is critical even with an empty WAL
	if got := classifyPressure(store.Stats{L0Files: cfg.L0HighFiles}, cfg); got != pressureCritical {
		t.Fatalf("L0 backlog should be critical, got %v", got)
	}
	if got := classifyPressure(store.Stats{WALBytes: cfg.WALHighBytes}, cfg); got != pressureCritical {
		t.Fatalf("WAL above high-water should be critical, got %v", got)
	}
	if got := classifyPressure(store.Stats{WALBytes: cfg.WALLowBytes}, cfg); got != pressureElevated {
		t.Fatalf("WAL between low and high should be elevated, got %v", got)
	}
	// a zero L0 threshold disables the L0 check
	cfg.L0HighFiles = 0
	if got := classifyPressure(store.Stats{L0Files: 1 << 20}, cfg); got != pressureNormal {
		t.Fatalf("disabled L0 threshold should not trip, got %v", got)
	}
}

func TestSensorSampleAndThrottle(t *testing.T) {
	s := NewSensor(50 * time.Millisecond)
	s.Start()
	defer s.Stop()

	// wait for at least one sample
	time.Sleep(120 * time.Millisecond)
	snap := s.Snapshot()
	if snap.Timestamp.IsZero() {
		t.Fatalf("expected non-zero snapshot timestamp")
	}
	if snap.MemTotal == 0 {
		t.Fatalf("expected runtime memory stats in snapshot")
	}

	ch := make(chan ThrottleRequest, 1)
	s.RegisterThrottleHandler(func(r ThrottleRequest) {
		ch <- r
	})

	s.SendThrottle(ThrottleRequest{Source: "test", Reason: "unit", Severity: 0.5})

	select {
	case r := <-ch:
		if r.Source != "test" || r.Reason != "unit" {
			t.Fatalf("unexpected throttle request: %+v", r)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("throttle handler not invoked")
	}
}
