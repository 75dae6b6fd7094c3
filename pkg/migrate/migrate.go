// Package migrate performs on-disk upgrade work between branchdb versions.
// A stored version key is compared against the running binary's version on
// startup; when they differ, Sync runs the migration steps and the new
// version is persisted.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"branchdb/pkg/logger"
	"branchdb/pkg/models"
	"branchdb/pkg/store"
)

const (
	systemVersionKey    = "system:version"
	systemInProgressKey = "system:migration_in_progress"
)

// Sync performs upgrade work between versions. Edit in-place for migration logic.
func Sync(ctx context.Context, from, to string) error {
	logger.Info("migrate_sync_start", "from", from, "to", to)

	// Migration: backfill branch_index ordinals for rows written before
	// branching. Legacy siblings all carry index 0; where a sibling group
	// has duplicate indices, reassign sequential ordinals in append order.
	// Idempotent: once indices are unique per group, reruns change nothing.
	convs, err := store.ListConversations()
	if err != nil {
		logger.Error("migrate_list_conversations_failed", "error", err)
		return err
	}
	for _, c := range convs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := store.ListMessages(c.ID, true)
		if err != nil {
			logger.Error("migrate_list_messages_failed", "conversation", c.ID, "error", err)
			continue
		}
		// sibling groups keyed by parent id, append order preserved
		groups := map[string][]models.Message{}
		parents := []string{}
		for _, m := range msgs {
			if _, ok := groups[m.ParentID]; !ok {
				parents = append(parents, m.ParentID)
			}
			groups[m.ParentID] = append(groups[m.ParentID], m)
		}
		for _, p := range parents {
			sibs := groups[p]
			seen := map[int]bool{}
			dup := false
			for _, m := range sibs {
				if seen[m.BranchIndex] {
					dup = true
					break
				}
				seen[m.BranchIndex] = true
			}
			if !dup {
				continue
			}
			for i, m := range sibs {
				if m.BranchIndex == i {
					continue
				}
				m.BranchIndex = i
				if err := store.SaveMessage(m); err != nil {
					logger.Error("migrate_save_message_failed", "conversation", c.ID, "msg", m.ID, "error", err)
					continue
				}
			}
			logger.Info("migrate_branch_index_backfilled", "conversation", c.ID, "parent", p, "siblings", len(sibs))
		}
	}

	logger.Info("migrate_sync_done", "from", from, "to", to)
	return nil
}

// Run checks for a version change and runs Sync if needed.
// Returns (invoked, error): invoked is true if Sync ran.
func Run(ctx context.Context, newVersion string) (bool, error) {
	stored := storedVersion()
	logger.Info("migrate_version_check", "stored", stored, "running", newVersion)

	if stored == newVersion {
		return false, nil
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := store.SetKey(systemInProgressKey, string(mb)); err != nil {
		return true, fmt.Errorf("failed to write in-progress marker: %w", err)
	}

	if err := Sync(ctx, stored, newVersion); err != nil {
		logger.Error("migrate_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}

	if err := store.SetKey(systemVersionKey, newVersion); err != nil {
		return true, fmt.Errorf("failed to persist new version: %w", err)
	}

	if err := store.DeleteKey(systemInProgressKey); err != nil {
		logger.Error("migrate_delete_inprogress_failed", "error", err)
	}

	logger.Info("migrate_version_persisted", "version", newVersion)
	return true, nil
}

func storedVersion() string {
	v, err := store.GetKey(systemVersionKey)
	if err != nil {
		return ""
	}
	return v
}
