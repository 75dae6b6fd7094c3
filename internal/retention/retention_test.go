package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"branchdb/pkg/config"
	"branchdb/pkg/models"
	"branchdb/pkg/state"
	"branchdb/pkg/store"
)

func TestParsePeriod(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 30 * 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"48h", 48 * time.Hour},
		{"90m", 90 * time.Minute},
	}
	for _, c := range cases {
		got, err := parsePeriod(c.in, 30*24*time.Hour)
		if err != nil {
			t.Fatalf("parsePeriod(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("parsePeriod(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := parsePeriod("soon", time.Hour); err == nil {
		t.Fatalf("expected error for junk period")
	}
}

func TestEffectivePeriodEnforcesMinimum(t *testing.T) {
	_, err := effectivePeriod(config.RetentionConfig{Period: "1h", MinPeriod: "24h"})
	if err == nil {
		t.Fatalf("period below min_period should be rejected")
	}
	got, err := effectivePeriod(config.RetentionConfig{Period: "48h", MinPeriod: "24h"})
	if err != nil || got != 48*time.Hour {
		t.Fatalf("valid period rejected: %v %v", got, err)
	}
}

func TestFileLeaseExclusionAndExpiry(t *testing.T) {
	dir := t.TempDir()
	lease := newFileLease(dir)

	ok, err := lease.Acquire("a", time.Hour)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: %v %v", ok, err)
	}
	ok, err = lease.Acquire("b", time.Hour)
	if err != nil || ok {
		t.Fatalf("second acquire should be refused while held")
	}
	if err := lease.Renew("b", time.Hour); err == nil {
		t.Fatalf("non-owner renew should fail")
	}
	if err := lease.Release("a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// expired lease is replaceable
	if ok, _ := lease.Acquire("a", -time.Second); !ok {
		t.Fatalf("reacquire failed")
	}
	if ok, err := lease.Acquire("b", time.Hour); err != nil || !ok {
		t.Fatalf("expired lease should be taken over: %v %v", ok, err)
	}
}

func TestRunImmediatePurgesAgedTombstones(t *testing.T) {
	dbdir := filepath.Join(t.TempDir(), "db")
	if err := state.Init(dbdir); err != nil {
		t.Fatalf("state.Init: %v", err)
	}
	if err := store.Open(state.PathsVar.Store); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC().UnixNano()
	old := models.Conversation{ID: "c_old", Author: "a", CreatedTS: now, Deleted: true,
		DeletedTS: time.Now().UTC().Add(-48 * time.Hour).UnixNano()}
	fresh := models.Conversation{ID: "c_fresh", Author: "a", CreatedTS: now, Deleted: true, DeletedTS: now}
	live := models.Conversation{ID: "c_live", Author: "a", CreatedTS: now}
	for _, c := range []models.Conversation{old, fresh, live} {
		if err := store.SaveConversation(c); err != nil {
			t.Fatalf("save %s: %v", c.ID, err)
		}
	}

	eff := config.EffectiveConfigResult{Config: &config.Config{}}
	eff.Config.Retention = config.RetentionConfig{Enabled: true, Period: "24h", MinPeriod: "1h"}
	SetEffectiveConfig(eff)

	if err := RunImmediate(context.Background()); err != nil {
		t.Fatalf("RunImmediate: %v", err)
	}

	if _, err := store.GetConversation("c_old"); err == nil {
		t.Fatalf("aged tombstone should be purged")
	}
	if _, err := store.GetConversation("c_fresh"); err != nil {
		t.Fatalf("fresh tombstone should survive: %v", err)
	}
	if _, err := store.GetConversation("c_live"); err != nil {
		t.Fatalf("live conversation should survive: %v", err)
	}
}

// runOnce takes the retention dir explicitly; state.Init is once-per-process
// and already consumed by the RunImmediate test above, so this test supplies
// its own directories.
func TestDryRunPurgesNothing(t *testing.T) {
	dir := t.TempDir()
	if err := store.Open(filepath.Join(dir, "store")); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	retDir := filepath.Join(dir, "retention")
	if err := os.MkdirAll(retDir, 0o700); err != nil {
		t.Fatalf("mkdir retention: %v", err)
	}

	old := models.Conversation{ID: "c_dry", Author: "a", Deleted: true,
		DeletedTS: time.Now().UTC().Add(-48 * time.Hour).UnixNano()}
	if err := store.SaveConversation(old); err != nil {
		t.Fatalf("save: %v", err)
	}

	eff := config.EffectiveConfigResult{Config: &config.Config{}}
	eff.Config.Retention = config.RetentionConfig{Enabled: true, Period: "24h", MinPeriod: "1h", DryRun: true}

	if err := runOnce(context.Background(), eff, retDir); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if _, err := store.GetConversation("c_dry"); err != nil {
		t.Fatalf("dry run must not purge: %v", err)
	}
	// dry run releases the lease so a real run can follow
	if ok, err := newFileLease(retDir).Acquire("follow-up", time.Hour); err != nil || !ok {
		t.Fatalf("lease should be free after dry run: %v %v", ok, err)
	}
}
