package ingest

import "context"

// Kind identifies what a BatchEntry persists.
type Kind string

const (
	KindMessage      Kind = "message"
	KindConversation Kind = "conversation"
)

// ProcessorFunc processes a single Op and returns zero or more BatchEntry
// objects to be applied together in a batch. Returning an error signals a
// handler failure; the processor will log and continue.
type ProcessorFunc func(ctx context.Context, op *Op) ([]BatchEntry, error)

// BatchEntry represents a single operation prepared for batch apply.
type BatchEntry struct {
	Type         OpType
	Kind         Kind
	Conversation string
	MsgID        string
	Payload      []byte
	TS           int64
	Enq          uint64 // enqueue sequence for ordering
}

// context key for conversation metadata prefetch map
type convMetaKeyType struct{}

var convMetaKey convMetaKeyType
