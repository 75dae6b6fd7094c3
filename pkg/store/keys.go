package store

import (
	"fmt"
	"strings"
)

// Key layout:
//
//	conv:<convID>:msg:<ts(20)>-<seq(6)>   append-ordered message rows
//	version:msg:<msgID>:<ts(20)>-<seq(6)> per-message version history
//	latest:msg:<msgID>                    latest version pointer
//	conv:meta:<convID>                    conversation metadata
//
// Timestamps are zero-padded so lexicographic iteration equals time order;
// seq disambiguates rows sharing a nanosecond.

func validComponent(s string) bool {
	return s != "" && !strings.ContainsAny(s, ":\x00")
}

// MsgKey builds the append-ordered row key for a message in a conversation.
func MsgKey(convID string, ts int64, seq uint64) (string, error) {
	if !validComponent(convID) {
		return "", fmt.Errorf("invalid conversation id: %q", convID)
	}
	return fmt.Sprintf("conv:%s:msg:%020d-%06d", convID, ts, seq), nil
}

// MsgPrefix is the iteration prefix for a conversation's message rows.
func MsgPrefix(convID string) string {
	return "conv:" + convID + ":msg:"
}

// VersionKey builds the version-history key for a message id.
func VersionKey(msgID string, ts int64, seq uint64) (string, error) {
	if !validComponent(msgID) {
		return "", fmt.Errorf("invalid message id: %q", msgID)
	}
	return fmt.Sprintf("version:msg:%s:%020d-%06d", msgID, ts, seq), nil
}

// VersionPrefix is the iteration prefix for a message's versions.
func VersionPrefix(msgID string) string {
	return "version:msg:" + msgID + ":"
}

// LatestKey points at the most recent version of a message id.
func LatestKey(msgID string) string {
	return "latest:msg:" + msgID
}

// ConvKey holds conversation metadata.
func ConvKey(convID string) string {
	return "conv:meta:" + convID
}

// ConvMetaPrefix is the iteration prefix for all conversation metadata.
const ConvMetaPrefix = "conv:meta:"
