package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"branchdb/pkg/models"
	"branchdb/pkg/validation"
)

// decodeMessage unmarshals the op payload and fills identity gaps from the
// op envelope: id, conversation and timestamp travel on the Op when the
// payload omits them, and the gateway identity serves as author fallback.
func decodeMessage(op *Op) (models.Message, error) {
	var m models.Message
	if len(op.Payload) == 0 {
		return m, fmt.Errorf("empty message payload")
	}
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return m, fmt.Errorf("invalid message json: %w", err)
	}
	if m.ID == "" {
		m.ID = op.ID
	}
	if m.Conversation == "" {
		m.Conversation = op.Conversation
	}
	if m.TS == 0 {
		m.TS = op.TS
	}
	if m.TS == 0 {
		m.TS = time.Now().UTC().UnixNano()
	}
	if m.Author == "" {
		m.Author = op.Extras["identity"]
	}
	return m, nil
}

func messageEntry(typ OpType, m models.Message, enq uint64) BatchEntry {
	payload, _ := json.Marshal(m) // canonical payload, round-tripped above
	return BatchEntry{
		Type:         typ,
		Kind:         KindMessage,
		Conversation: m.Conversation,
		MsgID:        m.ID,
		Payload:      payload,
		TS:           m.TS,
		Enq:          enq,
	}
}

// MessageCreateHandler prepares an append entry for a new message.
func MessageCreateHandler(ctx context.Context, op *Op) ([]BatchEntry, error) {
	m, err := decodeMessage(op)
	if err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("missing message id")
	}
	if err := validation.ValidateMessage(m); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return []BatchEntry{messageEntry(OpCreate, m, op.EnqSeq)}, nil
}

// MessageUpdateHandler prepares a version-append entry for an edit. Callers
// provide the resulting full message; an edit never rewrites the original row.
func MessageUpdateHandler(ctx context.Context, op *Op) ([]BatchEntry, error) {
	m, err := decodeMessage(op)
	if err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("missing message id for update")
	}
	return []BatchEntry{messageEntry(OpUpdate, m, op.EnqSeq)}, nil
}

// MessageDeleteHandler prepares a tombstone entry. The tombstone keeps
// parent/branch linkage so the tree shape survives the delete.
func MessageDeleteHandler(ctx context.Context, op *Op) ([]BatchEntry, error) {
	var m models.Message
	if len(op.Payload) > 0 {
		_ = json.Unmarshal(op.Payload, &m)
	}
	if m.ID == "" {
		m.ID = op.ID
	}
	if m.ID == "" {
		return nil, fmt.Errorf("missing message id for delete")
	}
	if m.Conversation == "" {
		m.Conversation = op.Conversation
	}
	m.Deleted = true
	m.TS = time.Now().UTC().UnixNano()
	return []BatchEntry{messageEntry(OpDelete, m, op.EnqSeq)}, nil
}
