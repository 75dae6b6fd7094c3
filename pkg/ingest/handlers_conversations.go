package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"branchdb/pkg/models"
)

// ConversationUpdateHandler turns a queued conversation update (rename) into
// a metadata batch entry. Payloads may be partial: fields the caller did not
// send are merged over from the prefetched metadata so a title change cannot
// wipe the author, slug or creation timestamp.
func ConversationUpdateHandler(ctx context.Context, op *Op) ([]BatchEntry, error) {
	var c models.Conversation
	if len(op.Payload) > 0 {
		_ = json.Unmarshal(op.Payload, &c)
	}
	if c.ID == "" {
		c.ID = op.Conversation
	}
	if c.ID == "" {
		return nil, fmt.Errorf("missing conversation id for update")
	}
	if c.UpdatedTS == 0 {
		c.UpdatedTS = time.Now().UTC().UnixNano()
	}
	if meta := ConvMetaFromContext(ctx); meta != nil {
		if prev, ok := meta[c.ID]; ok {
			if c.CreatedTS == 0 {
				c.CreatedTS = prev.CreatedTS
			}
			if c.Author == "" {
				c.Author = prev.Author
			}
			if c.Slug == "" {
				c.Slug = prev.Slug
			}
		}
	}
	payload, _ := json.Marshal(c)
	be := BatchEntry{Type: OpUpdate, Kind: KindConversation, Conversation: c.ID, Payload: payload, TS: c.UpdatedTS, Enq: op.EnqSeq}
	return []BatchEntry{be}, nil
}
