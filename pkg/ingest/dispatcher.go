package ingest

import (
	"context"
	"encoding/json"

	"branchdb/pkg/logger"
	"branchdb/pkg/models"
)

// RegisterDefaultHandlers wires the production handler set. Creates and
// deletes are always message ops: conversation creation and deletion are
// synchronous store writes (an id and slug must be minted before the
// response, and deletion tombstones every message). Updates are shared:
// message edits and conversation renames both flow through the queue.
func RegisterDefaultHandlers(p *Processor) {
	p.RegisterHandler(OpCreate, MessageCreateHandler)
	p.RegisterHandler(OpDelete, MessageDeleteHandler)

	p.RegisterHandler(OpUpdate, func(ctx context.Context, op *Op) ([]BatchEntry, error) {
		if isConversationOp(op) {
			return ConversationUpdateHandler(ctx, op)
		}
		return MessageUpdateHandler(ctx, op)
	})
}

// isConversationOp decides whether an op targets conversation metadata.
// Message ops always carry a message id (op.ID or payload id distinct from
// the conversation); conversation ops carry only the conversation.
func isConversationOp(op *Op) bool {
	if op.Extras != nil && op.Extras["entity"] == "conversation" {
		return true
	}
	if op.ID != "" {
		return false
	}
	if len(op.Payload) > 0 {
		var m models.Message
		if err := json.Unmarshal(op.Payload, &m); err == nil && m.ID != "" && m.Role != "" {
			return false
		}
		var c models.Conversation
		if err := json.Unmarshal(op.Payload, &c); err == nil && c.ID != "" {
			return true
		}
	}
	if op.Conversation != "" {
		// conversation-scoped op without a message id
		logger.Debug("dispatch_assume_conversation", "conversation", op.Conversation)
		return true
	}
	return false
}
