package ingest

import (
	"time"

	"branchdb/pkg/logger"
	"branchdb/pkg/store"
	"branchdb/pkg/telemetry"

	"github.com/cockroachdb/pebble"
)

// applyBatchToDB commits a flushed batch atomically through
// store.ApplyBatch. A message entry produces up to three keys: the
// append row under its conversation, the version-index row for the
// message ID, and the latest pointer. Conversation entries write only
// the metadata row.
func applyBatchToDB(entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}
	wb := new(pebble.Batch)
	// Entries carry their enqueue sequence; a time-derived seed covers
	// entries enqueued before the counter was initialised.
	seq := uint64(time.Now().UnixNano() % 1000000)
	for _, e := range entries {
		switch e.Kind {
		case KindConversation:
			wb.Set([]byte(store.ConvKey(e.Conversation)), e.Payload, pebble.NoSync)
		case KindMessage:
			if e.Enq != 0 {
				seq = e.Enq
			}
			if err := stageMessage(wb, e, seq); err != nil {
				logger.Error("apply_batch_invalid_key", "err", err)
				continue
			}
			seq++
		}
	}

	// Entries are staged NoSync; the batch itself applies with a sync so
	// the whole flush is one group commit.
	if err := store.ApplyBatch(wb, true); err != nil {
		logger.Error("apply_batch_failed", "err", err)
		return err
	}
	store.RecordWrite(len(entries))

	// Subscribers only hear about writes that are already durable.
	for _, e := range entries {
		if e.Kind != KindMessage {
			continue
		}
		telemetry.IncMessagesAppended()
		Publish(e.Conversation, Event{
			Type:         string(e.Type),
			Conversation: e.Conversation,
			MsgID:        e.MsgID,
			Payload:      append([]byte(nil), e.Payload...),
		})
	}
	return nil
}

// stageMessage adds the key set for one message entry to the batch.
func stageMessage(wb *pebble.Batch, e BatchEntry, seq uint64) error {
	key, err := store.MsgKey(e.Conversation, e.TS, seq)
	if err != nil {
		return err
	}
	wb.Set([]byte(key), e.Payload, pebble.NoSync)
	if e.MsgID == "" {
		return nil
	}
	if vk, err := store.VersionKey(e.MsgID, e.TS, seq); err == nil {
		wb.Set([]byte(vk), e.Payload, pebble.NoSync)
	}
	wb.Set([]byte(store.LatestKey(e.MsgID)), e.Payload, pebble.NoSync)
	return nil
}
