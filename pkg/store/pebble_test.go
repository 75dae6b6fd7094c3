package store

import (
	"path/filepath"
	"testing"
	"time"

	"branchdb/pkg/logger"
	"branchdb/pkg/models"
)

func openTestDB(t *testing.T) {
	t.Helper()
	logger.Init()
	if err := Open(filepath.Join(t.TempDir(), "db")); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
}

func TestSaveAndListMessagesOrdered(t *testing.T) {
	openTestDB(t)
	base := time.Now().UTC().UnixNano()
	for i, id := range []string{"m1", "m2", "m3"} {
		m := models.Message{ID: id, Conversation: "c1", Role: models.RoleUser, TS: base + int64(i)}
		if err := SaveMessage(m); err != nil {
			t.Fatalf("SaveMessage %s: %v", id, err)
		}
	}
	msgs, err := ListMessages("c1", false)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].ID)
		}
	}
}

func TestEditCollapsesToLatestVersion(t *testing.T) {
	openTestDB(t)
	ts := time.Now().UTC().UnixNano()
	m := models.Message{ID: "m1", Conversation: "c1", Role: models.RoleUser, TS: ts, Body: "first"}
	if err := SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	m.Body = "edited"
	m.TS = ts + 10
	if err := SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage edit: %v", err)
	}

	msgs, err := ListMessages("c1", false)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 collapsed message, got %d", len(msgs))
	}
	if msgs[0].Body != "edited" {
		t.Fatalf("expected latest version, got %v", msgs[0].Body)
	}

	vers, err := ListMessageVersions("m1")
	if err != nil {
		t.Fatalf("ListMessageVersions: %v", err)
	}
	if len(vers) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(vers))
	}
	latest, err := GetLatestMessage("m1")
	if err != nil {
		t.Fatalf("GetLatestMessage: %v", err)
	}
	if latest.Body != "edited" {
		t.Fatalf("latest pointer stale: %v", latest.Body)
	}
}

func TestTombstoneHiddenUnlessRequested(t *testing.T) {
	openTestDB(t)
	ts := time.Now().UTC().UnixNano()
	m := models.Message{ID: "m1", Conversation: "c1", Role: models.RoleUser, TS: ts}
	if err := SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	m.Deleted = true
	m.TS = ts + 1
	if err := SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage tombstone: %v", err)
	}

	live, err := ListMessages("c1", false)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected tombstoned message hidden, got %d", len(live))
	}
	all, err := ListMessages("c1", true)
	if err != nil {
		t.Fatalf("ListMessages include_deleted: %v", err)
	}
	if len(all) != 1 || !all[0].Deleted {
		t.Fatalf("expected tombstone visible with include_deleted")
	}
}

func TestCountChildren(t *testing.T) {
	openTestDB(t)
	ts := time.Now().UTC().UnixNano()
	rows := []models.Message{
		{ID: "a", Conversation: "c1", Role: models.RoleUser, TS: ts},
		{ID: "b", Conversation: "c1", Role: models.RoleAssistant, TS: ts + 1, ParentID: "a", BranchIndex: 0},
		{ID: "c", Conversation: "c1", Role: models.RoleAssistant, TS: ts + 2, ParentID: "a", BranchIndex: 1},
	}
	for _, m := range rows {
		if err := SaveMessage(m); err != nil {
			t.Fatalf("SaveMessage %s: %v", m.ID, err)
		}
	}
	n, err := CountChildren("c1", "a")
	if err != nil {
		t.Fatalf("CountChildren: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 children, got %d", n)
	}
	n, err = CountChildren("c1", "b")
	if err != nil {
		t.Fatalf("CountChildren: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 children, got %d", n)
	}
}

func TestConversationLifecycle(t *testing.T) {
	openTestDB(t)
	c := models.Conversation{ID: "c1", Title: "test", Author: "author1", CreatedTS: 1, UpdatedTS: 1}
	if err := SaveConversation(c); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	got, err := GetConversation("c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "test" {
		t.Fatalf("expected title test, got %s", got.Title)
	}

	m := models.Message{ID: "m1", Conversation: "c1", Role: models.RoleUser, TS: 2}
	if err := SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	if err := SoftDeleteConversation("c1", "admin"); err != nil {
		t.Fatalf("SoftDeleteConversation: %v", err)
	}
	got, err = GetConversation("c1")
	if err != nil {
		t.Fatalf("GetConversation after soft delete: %v", err)
	}
	if !got.Deleted || got.DeletedTS == 0 {
		t.Fatalf("expected soft-deleted conversation, got %+v", got)
	}
	live, _ := ListMessages("c1", false)
	if len(live) != 0 {
		t.Fatalf("expected messages tombstoned, got %d", len(live))
	}

	if err := DeleteConversation("c1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := GetConversation("c1"); err == nil {
		t.Fatalf("expected conversation purged")
	}
	keys, _ := ListKeys("version:msg:m1:")
	if len(keys) != 0 {
		t.Fatalf("expected versions purged, got %v", keys)
	}
}
