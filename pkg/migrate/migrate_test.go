package migrate

import (
	"context"
	"testing"
	"time"

	"branchdb/pkg/models"
	"branchdb/pkg/store"
	"branchdb/pkg/utils"
)

func openTestStore(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
}

func TestRunNoopWhenVersionUnchanged(t *testing.T) {
	openTestStore(t)

	invoked, err := Run(context.Background(), "v1.0.0")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !invoked {
		t.Fatalf("expected first run to invoke sync")
	}

	invoked, err = Run(context.Background(), "v1.0.0")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if invoked {
		t.Fatalf("expected second run with same version to be a noop")
	}
}

func TestSyncBackfillsDuplicateBranchIndices(t *testing.T) {
	openTestStore(t)

	conv := models.Conversation{ID: utils.GenConvID(), Title: "legacy"}
	if err := store.SaveConversation(conv); err != nil {
		t.Fatalf("save conversation: %v", err)
	}

	base := time.Now().UnixNano()
	root := models.Message{ID: utils.GenID(), Conversation: conv.ID, Author: "u1", Role: "user", TS: base, Body: "root"}
	if err := store.SaveMessage(root); err != nil {
		t.Fatalf("save root: %v", err)
	}
	// legacy siblings written before branching: both carry index 0
	var kids []models.Message
	for i := 0; i < 3; i++ {
		m := models.Message{
			ID: utils.GenID(), Conversation: conv.ID, Author: "u1", Role: "assistant",
			TS: base + int64(i+1), Body: "reply", ParentID: root.ID,
		}
		if err := store.SaveMessage(m); err != nil {
			t.Fatalf("save sibling %d: %v", i, err)
		}
		kids = append(kids, m)
	}

	if err := Sync(context.Background(), "", "v1.1.0"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for i, k := range kids {
		got, err := store.GetLatestMessage(k.ID)
		if err != nil {
			t.Fatalf("get message %s: %v", k.ID, err)
		}
		if got.BranchIndex != i {
			t.Fatalf("sibling %d: expected branch_index %d, got %d", i, i, got.BranchIndex)
		}
	}

	// rerun is a no-op: indices already unique
	if err := Sync(context.Background(), "v1.1.0", "v1.2.0"); err != nil {
		t.Fatalf("rerun sync: %v", err)
	}
	for i, k := range kids {
		got, err := store.GetLatestMessage(k.ID)
		if err != nil {
			t.Fatalf("get message %s: %v", k.ID, err)
		}
		if got.BranchIndex != i {
			t.Fatalf("rerun changed sibling %d to %d", i, got.BranchIndex)
		}
	}
}
