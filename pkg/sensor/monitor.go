package sensor

import (
	"context"
	"time"

	"branchdb/pkg/ingest"
	"branchdb/pkg/logger"
	"branchdb/pkg/store"
)

// MonitorConfig controls thresholds and intervals for the store monitor.
type MonitorConfig struct {
	PollInterval time.Duration

	// WAL size thresholds with hysteresis: above High the processor is
	// paused, between Low and High batch params are degraded, below Low
	// the original params are restored.
	WALHighBytes uint64
	WALLowBytes  uint64

	// L0 file-count threshold; a deep L0 means compaction is falling
	// behind and appends should back off. Matches store.Stats.L0Files.
	L0HighFiles int64

	// RecoveryWindow is how long the store must stay healthy before a
	// paused processor resumes.
	RecoveryWindow time.Duration
}

// DefaultMonitorConfig returns conservative defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:   500 * time.Millisecond,
		WALHighBytes:   1 << 30, // 1 GiB
		WALLowBytes:    700 << 20,
		L0HighFiles:    20,
		RecoveryWindow: 5 * time.Second,
	}
}

// storePressure grades store health against the configured thresholds.
type storePressure int

const (
	pressureNormal storePressure = iota
	pressureElevated
	pressureCritical
)

func classifyPressure(m store.Stats, cfg MonitorConfig) storePressure {
	if m.WALBytes >= cfg.WALHighBytes || (cfg.L0HighFiles > 0 && m.L0Files >= cfg.L0HighFiles) {
		return pressureCritical
	}
	if m.WALBytes >= cfg.WALLowBytes {
		return pressureElevated
	}
	return pressureNormal
}

// StartStoreMonitor starts a background monitor that watches pebble health
// and adjusts the ingest processor accordingly: pause on critical pressure,
// degrade batch parameters on elevated pressure, restore when the store
// recovers. It returns a function to stop the monitor.
func StartStoreMonitor(ctx context.Context, p *ingest.Processor, s *Sensor, cfg MonitorConfig) context.CancelFunc {
	if cfg.PollInterval <= 0 {
		cfg = DefaultMonitorConfig()
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		state := "normal"
		var lastCritical time.Time
		// capture original batch params so recovery can restore them
		origMax, origFlush := p.GetBatchParams()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := store.GetStats()
				level := classifyPressure(m, cfg)

				if level == pressureCritical {
					if state != "paused" {
						logger.Warn("store_monitor_paused", "wal_bytes", m.WALBytes, "l0_files", m.L0Files)
						p.Pause()
						s.SendThrottle(ThrottleRequest{Source: "store_monitor", Reason: "wal_or_l0_high", Severity: 1.0})
						state = "paused"
					}
					lastCritical = time.Now()
					continue
				}

				if state == "paused" {
					if time.Since(lastCritical) > cfg.RecoveryWindow && m.WALBytes <= cfg.WALLowBytes {
						logger.Info("store_monitor_resumed")
						p.Resume()
						s.SendThrottle(ThrottleRequest{Source: "store_monitor", Reason: "recovered", Severity: 0})
						state = "normal"
					}
					continue
				}

				if level == pressureElevated {
					logger.Warn("store_monitor_degraded", "wal_bytes", m.WALBytes)
					curMax, curFlush := p.GetBatchParams()
					if curMax > 1 {
						curMax = curMax / 2
					}
					if curFlush < time.Second {
						curFlush = curFlush * 2
					}
					p.SetBatchParams(curMax, curFlush)
					s.SendThrottle(ThrottleRequest{Source: "store_monitor", Reason: "wal_high", Severity: 0.6})
					state = "degraded"
					continue
				}

				if state == "degraded" && level == pressureNormal {
					logger.Info("store_monitor_restored")
					p.SetBatchParams(origMax, origFlush)
					state = "normal"
				}
			}
		}
	}()
	return cancel
}
