package retention

import (
	"context"
	"fmt"
	"time"

	"branchdb/pkg/config"
	"branchdb/pkg/logger"
	"branchdb/pkg/store"
	"branchdb/pkg/utils"
)

// defaultLockTTL is used when retention.lock_ttl is not configured.
const defaultLockTTL = 2 * time.Minute

// runOnce executes a single retention run: acquire the lease, scan
// conversation tombstones, purge eligible ones in batches, emit audit events.
func runOnce(ctx context.Context, eff config.EffectiveConfigResult, retentionPath string) error {
	ret := eff.Config.Retention
	ttl := time.Duration(ret.LockTTL)
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	owner := utils.GenID()
	lock := newFileLease(retentionPath)
	acq, err := lock.Acquire(owner, ttl)
	if err != nil {
		logger.Error("retention_lease_acquire_error", "error", err)
		return fmt.Errorf("lease acquire failed: %w", err)
	}
	if !acq {
		logger.Info("retention_lease_not_acquired")
		return nil
	}
	defer func() {
		if err := lock.Release(owner); err != nil {
			logger.Error("retention_lease_release_error", "error", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	// heartbeat renews the lease and aborts the run when renewal keeps
	// failing, so a second process can take over
	go func() {
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		var fails int
		const maxFails = 3
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				if err := lock.Renew(owner, ttl); err != nil {
					fails++
					logger.Error("retention_lease_renew_failed", "error", err, "count", fails)
					if fails >= maxFails {
						runCancel()
						return
					}
				} else {
					fails = 0
				}
			}
		}
	}()

	runID := utils.GenID()
	auditInfo := func(msg string, args ...any) {
		if logger.Audit != nil {
			logger.Audit.Info(msg, args...)
			return
		}
		logger.Info(msg, args...)
	}
	logger.Info("retention_run_start", "run_id", runID, "owner", owner, "dry_run", ret.DryRun)
	auditInfo("retention_audit_header", "run_id", runID,
		"started_at", time.Now().UTC().Format(time.RFC3339), "dry_run", ret.DryRun, "period", ret.Period)

	period, err := effectivePeriod(ret)
	if err != nil {
		logger.Error("retention_invalid_period", "period", ret.Period, "error", err)
		return err
	}
	cutoff := time.Now().UTC().Add(-period)

	convs, err := store.ListConversations()
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	batchSize := ret.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchSleep := time.Duration(ret.BatchSleepMs) * time.Millisecond

	var scanned, purged, inBatch int
	for _, c := range convs {
		select {
		case <-runCtx.Done():
			return fmt.Errorf("retention run aborted: %w", runCtx.Err())
		default:
		}
		scanned++
		if !c.Deleted || !time.Unix(0, c.DeletedTS).Before(cutoff) {
			continue
		}
		if ret.DryRun {
			auditInfo("retention_audit_item", "run_id", runID, "conversation", c.ID, "status", "dry_run")
			continue
		}
		if err := store.DeleteConversation(c.ID); err != nil {
			auditInfo("retention_audit_item", "run_id", runID, "conversation", c.ID, "status", "failed", "error", err.Error())
			logger.Error("retention_purge_failed", "conversation", c.ID, "error", err)
			continue
		}
		auditInfo("retention_audit_item", "run_id", runID, "conversation", c.ID, "status", "purged")
		purged++
		inBatch++
		if inBatch >= batchSize && batchSleep > 0 {
			inBatch = 0
			select {
			case <-time.After(batchSleep):
			case <-runCtx.Done():
				return fmt.Errorf("retention run aborted: %w", runCtx.Err())
			}
		}
	}

	auditInfo("retention_audit_footer", "run_id", runID, "scanned", scanned, "purged", purged)
	logger.Info("retention_run_complete", "run_id", runID, "scanned", scanned, "purged", purged)
	return nil
}

// effectivePeriod parses the retention period and clamps it against the
// configured minimum. Day suffixes ("30d") are accepted alongside the
// standard duration syntax; empty defaults to 30 days.
func effectivePeriod(ret config.RetentionConfig) (time.Duration, error) {
	period, err := parsePeriod(ret.Period, 30*24*time.Hour)
	if err != nil {
		return 0, fmt.Errorf("invalid retention period: %w", err)
	}
	min, err := parsePeriod(ret.MinPeriod, 24*time.Hour)
	if err != nil {
		return 0, fmt.Errorf("invalid retention min_period: %w", err)
	}
	if period < min {
		return 0, fmt.Errorf("retention period %s below minimum %s", period, min)
	}
	return period, nil
}

func parsePeriod(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	if s[len(s)-1] == 'd' {
		var n int
		if _, err := fmt.Sscanf(s, "%dd", &n); err != nil {
			return 0, fmt.Errorf("invalid days value %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
