package ingest

import (
	"encoding/json"
	"sync"

	"branchdb/pkg/logger"
)

// Event is the post-apply notification delivered to conversation
// subscribers (SSE clients and internal listeners).
type Event struct {
	Type         string          `json:"type"` // create | update | delete
	Conversation string          `json:"conversation"`
	MsgID        string          `json:"msg_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// hub fans events out per conversation. Slow subscribers are skipped
// rather than blocking the apply path.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

var defaultHub = &hub{subs: make(map[string]map[*subscriber]struct{})}

// Subscribe registers a listener for events on convID. The returned cancel
// function must be called to release the subscription.
func Subscribe(convID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	defaultHub.mu.Lock()
	m, ok := defaultHub.subs[convID]
	if !ok {
		m = make(map[*subscriber]struct{})
		defaultHub.subs[convID] = m
	}
	m[s] = struct{}{}
	defaultHub.mu.Unlock()

	cancel := func() {
		defaultHub.mu.Lock()
		if m, ok := defaultHub.subs[convID]; ok {
			if _, present := m[s]; present {
				delete(m, s)
				close(s.ch)
			}
			if len(m) == 0 {
				delete(defaultHub.subs, convID)
			}
		}
		defaultHub.mu.Unlock()
	}
	return s.ch, cancel
}

// Publish delivers ev to every subscriber of the conversation. Full
// subscriber buffers cause the event to be dropped for that subscriber.
func Publish(convID string, ev Event) {
	defaultHub.mu.RLock()
	defer defaultHub.mu.RUnlock()
	for s := range defaultHub.subs[convID] {
		select {
		case s.ch <- ev:
		default:
			logger.Debug("fanout_subscriber_slow", "conversation", convID, "msg", ev.MsgID)
		}
	}
}

// Subscribers returns the number of active listeners for a conversation.
func Subscribers(convID string) int {
	defaultHub.mu.RLock()
	defer defaultHub.mu.RUnlock()
	return len(defaultHub.subs[convID])
}
