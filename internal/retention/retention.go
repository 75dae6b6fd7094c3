// Package retention purges soft-deleted conversations whose tombstones have
// aged past the configured period. Runs are cron-scheduled (adhocore/gronx)
// and serialized through a file lease under <db>/state/retention so only one
// process purges at a time.
package retention

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"

	"branchdb/pkg/config"
	"branchdb/pkg/logger"
	"branchdb/pkg/state"
)

var storedEff *config.EffectiveConfigResult

// SetEffectiveConfig stores the effective config so the admin trigger (and
// tests) can invoke retention runs on demand.
func SetEffectiveConfig(eff config.EffectiveConfigResult) {
	storedEff = &eff
}

// RunImmediate triggers a single retention run using the stored effective
// config. Returns an error if no effective config was registered.
func RunImmediate(ctx context.Context) error {
	if storedEff == nil {
		return fmt.Errorf("no effective config registered for retention run")
	}
	if state.PathsVar.Retention == "" {
		return fmt.Errorf("state paths not initialized")
	}
	return runOnce(ctx, *storedEff, state.PathsVar.Retention)
}

// Start validates the retention settings and, when enabled, launches the
// cron scheduler. The returned cancel func stops the scheduler.
func Start(ctx context.Context, eff config.EffectiveConfigResult) (context.CancelFunc, error) {
	ret := eff.Config.Retention
	SetEffectiveConfig(eff)

	if !ret.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	dir := state.PathsVar.Retention
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Error("retention_path_create_failed", "path", dir, "error", err)
		return nil, err
	}

	sched := scheduler{
		eff:  eff,
		dir:  dir,
		cron: ret.Cron,
	}
	if sched.cron == "" {
		sched.cron = "0 2 * * *"
	}
	if !gronx.IsValid(sched.cron) {
		logger.Error("retention_invalid_cron", "cron", ret.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", ret.Cron)
	}

	// refuse periods shorter than the configured floor so a typo cannot
	// purge fresh tombstones
	if _, err := effectivePeriod(ret); err != nil {
		return nil, err
	}

	logger.Info("retention_enabled", "cron", sched.cron, "period", ret.Period, "path", dir)
	ctx2, cancel := context.WithCancel(ctx)
	go sched.loop(ctx2)
	return cancel, nil
}

type scheduler struct {
	eff  config.EffectiveConfigResult
	dir  string
	cron string
}

// loop sleeps until the next cron tick, fires a run, and repeats until
// the context is cancelled. NextTickAfter errors back off for 30s.
func (s scheduler) loop(ctx context.Context) {
	for ctx.Err() == nil {
		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", s.cron, "error", err)
			if !sleepCtx(ctx, 30*time.Second) {
				break
			}
			continue
		}
		if !sleepCtx(ctx, time.Until(next)) {
			break
		}
		if s.eff.Config.Retention.Paused {
			logger.Info("retention_tick_skipped_paused")
			continue
		}
		if err := runOnce(ctx, s.eff, s.dir); err != nil {
			logger.Error("retention_run_error", "error", err)
		}
	}
	logger.Info("retention_scheduler_stopping")
}

// sleepCtx waits for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
