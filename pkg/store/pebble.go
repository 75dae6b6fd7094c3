package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"branchdb/pkg/logger"
	"branchdb/pkg/models"
)

var (
	db     *pebble.DB
	dbPath string
)

// seq provides a small counter to reduce key collisions when multiple
// messages share the same nanosecond timestamp.
var seq uint64

// writesTotal counts applied row writes for admin stats.
var writesTotal uint64

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// NextSeq returns a process-unique sequence number for key disambiguation.
func NextSeq() uint64 {
	return atomic.AddUint64(&seq, 1)
}

// RecordWrite accumulates applied-write accounting for admin stats.
func RecordWrite(n int) {
	atomic.AddUint64(&writesTotal, uint64(n))
}

// WritesTotal returns the number of rows written since process start.
func WritesTotal() uint64 {
	return atomic.LoadUint64(&writesTotal)
}

// SaveMessage appends a message row to its conversation and indexes it by
// message id so edits and tombstones become retrievable versions. Rows are
// never rewritten in place; the latest pointer tracks the current version.
func SaveMessage(msg models.Message) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if msg.Conversation == "" {
		return fmt.Errorf("message missing conversation id")
	}
	if msg.ID == "" {
		return fmt.Errorf("message missing id")
	}
	ts := msg.TS
	if ts == 0 {
		ts = time.Now().UTC().UnixNano()
	}
	s := NextSeq()
	key, err := MsgKey(msg.Conversation, ts, s)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "conversation", msg.Conversation, "key", key, "error", err)
		return err
	}
	vk, err := VersionKey(msg.ID, ts, s)
	if err != nil {
		return err
	}
	if err := db.Set([]byte(vk), data, pebble.Sync); err != nil {
		logger.Error("save_message_version_failed", "key", vk, "error", err)
		return err
	}
	if err := db.Set([]byte(LatestKey(msg.ID)), data, pebble.Sync); err != nil {
		logger.Error("save_message_latest_failed", "msg", msg.ID, "error", err)
		return err
	}
	RecordWrite(1)
	logger.Debug("message_saved", "conversation", msg.Conversation, "key", key, "msg_id", msg.ID)
	return nil
}

// ApplyBatch hands a prepared write batch to the DB. The ingest processor
// uses NoSync entries and requests a sync apply per flush for group commit.
func ApplyBatch(wb *pebble.Batch, sync bool) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	return db.Apply(wb, opt)
}

// ListMessages returns a conversation's messages in creation order, one
// entry per message id with the newest version winning. Tombstoned messages
// are skipped unless includeDeleted is set.
func ListMessages(convID string, includeDeleted bool) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte(MsgPrefix(convID))
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	order := []string{}
	latest := map[string]models.Message{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("list_messages_bad_row", "key", string(iter.Key()), "error", err)
			continue
		}
		if _, seen := latest[m.ID]; !seen {
			order = append(order, m.ID)
		}
		latest[m.ID] = m
	}
	out := make([]models.Message, 0, len(order))
	for _, id := range order {
		m := latest[id]
		if m.Deleted && !includeDeleted {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListMessageVersions returns every stored version of a message id in
// append order, tombstones included.
func ListMessageVersions(msgID string) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte(VersionPrefix(msgID))
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("list_versions_bad_row", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// GetLatestMessage returns the current version of a message id.
func GetLatestMessage(msgID string) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(LatestKey(msgID)))
	if err != nil {
		return m, fmt.Errorf("message not found: %s", msgID)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid message row: %w", err)
	}
	return m, nil
}

// CountChildren returns the number of live messages whose parent_id equals
// parentID within a conversation. Branch indices are allocated from this.
func CountChildren(convID, parentID string) (int, error) {
	msgs, err := ListMessages(convID, false)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if m.ParentID == parentID {
			n++
		}
	}
	return n, nil
}

// SaveConversation writes conversation metadata.
func SaveConversation(c models.Conversation) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if c.ID == "" {
		return fmt.Errorf("conversation missing id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := db.Set([]byte(ConvKey(c.ID)), data, pebble.Sync); err != nil {
		logger.Error("save_conversation_failed", "conversation", c.ID, "error", err)
		return err
	}
	return nil
}

// GetConversation returns conversation metadata by id.
func GetConversation(id string) (models.Conversation, error) {
	var c models.Conversation
	if db == nil {
		return c, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(ConvKey(id)))
	if err != nil {
		return c, fmt.Errorf("conversation not found: %s", id)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &c); err != nil {
		return c, fmt.Errorf("invalid conversation row: %w", err)
	}
	return c, nil
}

// ListConversations returns all conversation metadata rows.
func ListConversations() ([]models.Conversation, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte(ConvMetaPrefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Conversation
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var c models.Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			logger.Warn("list_conversations_bad_row", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// SoftDeleteConversation marks a conversation deleted and appends tombstone
// versions for its live messages. Rows stay on disk until retention purges
// them.
func SoftDeleteConversation(id, actor string) error {
	c, err := GetConversation(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixNano()
	c.Deleted = true
	c.DeletedTS = now
	c.UpdatedTS = now
	if err := SaveConversation(c); err != nil {
		return err
	}
	msgs, err := ListMessages(id, false)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		m.Deleted = true
		m.TS = now
		if err := SaveMessage(m); err != nil {
			return err
		}
	}
	if logger.Audit != nil {
		logger.Audit.Info("conversation_soft_deleted", "conversation", id, "actor", actor, "messages", len(msgs))
	} else {
		logger.Info("conversation_soft_deleted", "conversation", id, "actor", actor, "messages", len(msgs))
	}
	return nil
}

// DeleteConversation removes a conversation's metadata and all of its rows,
// including version history. Retention is the only caller; everything else
// goes through SoftDeleteConversation.
func DeleteConversation(id string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	msgs, err := ListMessages(id, true)
	if err != nil {
		return err
	}
	wb := new(pebble.Batch)
	for _, m := range msgs {
		_ = wb.DeleteRange([]byte(VersionPrefix(m.ID)), []byte(VersionPrefix(m.ID)+"\xff"), nil)
		_ = wb.Delete([]byte(LatestKey(m.ID)), nil)
	}
	mp := MsgPrefix(id)
	_ = wb.DeleteRange([]byte(mp), []byte(mp+"\xff"), nil)
	_ = wb.Delete([]byte(ConvKey(id)), nil)
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("delete_conversation_failed", "conversation", id, "error", err)
		return err
	}
	logger.Info("conversation_purged", "conversation", id, "messages", len(msgs))
	return nil
}

// ListKeys returns all keys with the given prefix. Admin and inspection
// tooling only.
func ListKeys(prefix string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	p := []byte(prefix)
	var out []string
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		out = append(out, string(iter.Key()))
	}
	return out, nil
}

// GetKey returns a raw value by key. Admin and inspection tooling only.
func GetKey(key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// SetKey writes a raw value by key. Used for system bookkeeping records
// (schema version, migration markers) that live outside the message keyspace.
func SetKey(key, val string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := db.Set([]byte(key), []byte(val), pebble.Sync); err != nil {
		return err
	}
	RecordWrite(1)
	return nil
}

// DeleteKey removes a raw key. Used for system bookkeeping records.
func DeleteKey(key string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Delete([]byte(key), pebble.Sync)
}
