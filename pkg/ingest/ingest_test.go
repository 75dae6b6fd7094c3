package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"branchdb/pkg/models"
	"branchdb/pkg/store"
)

func TestQueue_TryEnqueueAndDrain(t *testing.T) {
	q := NewQueue(4)
	payload := []byte(`{"id":"m_1","conversation":"c_1","role":"user","body":"hi"}`)
	if err := q.TryEnqueueBytes(OpCreate, "c_1", "m_1", payload, 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1 got %d", q.Len())
	}
	it := <-q.Out()
	if it.Op.Conversation != "c_1" || it.Op.ID != "m_1" {
		t.Fatalf("unexpected op: %+v", it.Op)
	}
	if string(it.Op.Payload) != string(payload) {
		t.Fatalf("payload mangled: %s", it.Op.Payload)
	}
	if it.Op.EnqSeq == 0 {
		t.Fatalf("enqueue sequence not assigned")
	}
	it.Done()
}

func TestQueue_FullReturnsErr(t *testing.T) {
	q := NewQueue(1)
	if err := q.TryEnqueueBytes(OpCreate, "c_1", "m_1", []byte(`{}`), 0); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := q.TryEnqueueBytes(OpCreate, "c_1", "m_2", []byte(`{}`), 0); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull got %v", err)
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped got %d", q.Dropped())
	}
}

func TestQueue_EnqueueRespectsContext(t *testing.T) {
	q := NewQueue(1)
	_ = q.TryEnqueueBytes(OpCreate, "c_1", "m_1", []byte(`{}`), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, &Op{Type: OpCreate, Conversation: "c_1", ID: "m_2"}); err == nil {
		t.Fatalf("expected context error on full queue")
	}
}

func TestMessageCreateHandler_NormalizesAndValidates(t *testing.T) {
	m := models.Message{ID: "m_1", Conversation: "c_1", Role: models.RoleUser, Body: "hello"}
	payload, _ := json.Marshal(m)
	entries, err := MessageCreateHandler(context.Background(), &Op{Type: OpCreate, Payload: payload, Extras: map[string]string{"identity": "alice"}})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry got %d", len(entries))
	}
	var out models.Message
	if err := json.Unmarshal(entries[0].Payload, &out); err != nil {
		t.Fatalf("bad canonical payload: %v", err)
	}
	if out.Author != "alice" {
		t.Fatalf("identity extra should fill author, got %q", out.Author)
	}
	if out.TS == 0 {
		t.Fatalf("timestamp should be assigned")
	}
	if entries[0].Kind != KindMessage || entries[0].Conversation != "c_1" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestMessageCreateHandler_RejectsSelfParent(t *testing.T) {
	m := models.Message{ID: "m_1", Conversation: "c_1", Role: models.RoleUser, Body: "x", ParentID: "m_1"}
	payload, _ := json.Marshal(m)
	if _, err := MessageCreateHandler(context.Background(), &Op{Type: OpCreate, Payload: payload}); err == nil {
		t.Fatalf("self-parent message must be rejected")
	}
}

func TestMessageDeleteHandler_KeepsLinkage(t *testing.T) {
	m := models.Message{ID: "m_2", Conversation: "c_1", ParentID: "m_1", BranchIndex: 1}
	payload, _ := json.Marshal(m)
	entries, err := MessageDeleteHandler(context.Background(), &Op{Type: OpDelete, Payload: payload})
	if err != nil {
		t.Fatalf("delete handler failed: %v", err)
	}
	var tomb models.Message
	if err := json.Unmarshal(entries[0].Payload, &tomb); err != nil {
		t.Fatalf("bad tombstone: %v", err)
	}
	if !tomb.Deleted {
		t.Fatalf("tombstone not marked deleted")
	}
	if tomb.ParentID != "m_1" || tomb.BranchIndex != 1 {
		t.Fatalf("tombstone lost branch linkage: %+v", tomb)
	}
}

func TestConversationUpdateHandler_MergesStoredMetadata(t *testing.T) {
	// a rename payload is partial; the handler must restore the fields
	// it does not carry from the prefetched metadata
	prev := models.Conversation{ID: "c_1", Title: "old", Author: "alice", Slug: "old-c_1", CreatedTS: 42}
	ctx := context.WithValue(context.Background(), convMetaKey,
		map[string]models.Conversation{"c_1": prev})

	payload, _ := json.Marshal(models.Conversation{ID: "c_1", Title: "new"})
	entries, err := ConversationUpdateHandler(ctx, &Op{Type: OpUpdate, Conversation: "c_1", Payload: payload, Extras: map[string]string{"entity": "conversation"}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if entries[0].Kind != KindConversation {
		t.Fatalf("expected conversation entry, got %+v", entries[0])
	}
	var out models.Conversation
	_ = json.Unmarshal(entries[0].Payload, &out)
	if out.Title != "new" {
		t.Fatalf("title not updated: %+v", out)
	}
	if out.Author != "alice" || out.Slug != "old-c_1" || out.CreatedTS != 42 {
		t.Fatalf("stored metadata lost on rename: %+v", out)
	}
	if out.UpdatedTS == 0 {
		t.Fatalf("update timestamp not assigned")
	}

	if _, err := ConversationUpdateHandler(context.Background(), &Op{Type: OpUpdate}); err == nil {
		t.Fatalf("update without a conversation id must fail")
	}
}

func TestDispatcherEntityDetection(t *testing.T) {
	msg := models.Message{ID: "m_1", Conversation: "c_1", Role: models.RoleUser, Body: "x"}
	mp, _ := json.Marshal(msg)
	if isConversationOp(&Op{Payload: mp}) {
		t.Fatalf("message payload misclassified as conversation")
	}
	conv := models.Conversation{ID: "c_1", Title: "t"}
	cp, _ := json.Marshal(conv)
	if !isConversationOp(&Op{Payload: cp}) {
		t.Fatalf("conversation payload misclassified as message")
	}
	if !isConversationOp(&Op{Conversation: "c_1", Extras: map[string]string{"entity": "conversation"}}) {
		t.Fatalf("extras hint ignored")
	}
}

func TestApplyBatchCommitsBothEntryKinds(t *testing.T) {
	if err := store.Open(filepath.Join(t.TempDir(), "db")); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ts := time.Now().UTC().UnixNano()
	m := models.Message{ID: "m_1", Conversation: "c_1", Role: models.RoleUser, Body: "hi", TS: ts}
	mp, _ := json.Marshal(m)
	c := models.Conversation{ID: "c_1", Title: "renamed", Author: "alice", CreatedTS: ts, UpdatedTS: ts}
	cp, _ := json.Marshal(c)

	entries := []BatchEntry{
		{Type: OpCreate, Kind: KindMessage, Conversation: "c_1", MsgID: "m_1", Payload: mp, TS: ts, Enq: 1},
		{Type: OpUpdate, Kind: KindConversation, Conversation: "c_1", Payload: cp, TS: ts, Enq: 2},
	}
	if err := applyBatchToDB(entries); err != nil {
		t.Fatalf("applyBatchToDB: %v", err)
	}

	got, err := store.GetLatestMessage("m_1")
	if err != nil || got.Body != "hi" {
		t.Fatalf("message not committed: %+v %v", got, err)
	}
	gc, err := store.GetConversation("c_1")
	if err != nil || gc.Title != "renamed" {
		t.Fatalf("conversation metadata not committed: %+v %v", gc, err)
	}
}

func TestFanout_SubscribePublish(t *testing.T) {
	ch, cancel := Subscribe("c_1")
	defer cancel()
	Publish("c_1", Event{Type: "create", Conversation: "c_1", MsgID: "m_1"})
	select {
	case ev := <-ch:
		if ev.MsgID != "m_1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	// other conversations do not leak
	Publish("c_other", Event{Type: "create", Conversation: "c_other", MsgID: "m_9"})
	select {
	case ev := <-ch:
		t.Fatalf("leaked event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	if Subscribers("c_1") != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	cancel()
	if Subscribers("c_1") != 0 {
		t.Fatalf("cancel should remove subscriber")
	}
}
