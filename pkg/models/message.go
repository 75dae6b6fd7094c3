package models

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// KnownRole reports whether r is one of the three accepted roles.
func KnownRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Message struct {
	ID           string      `json:"id"`
	Conversation string      `json:"conversation"`
	Author       string      `json:"author,omitempty"`
	Role         Role        `json:"role"`
	TS           int64       `json:"ts"`
	Body         interface{} `json:"body,omitempty"`
	// ParentID is the message this one branches from; empty means the
	// message continues the conversation linearly (a root of the forest).
	ParentID string `json:"parent_id,omitempty"`
	// BranchIndex is the ordinal among siblings sharing the same parent.
	BranchIndex int `json:"branch_index"`
	// Deleted flag; soft-delete implemented as an appended tombstone version
	Deleted bool `json:"deleted,omitempty"`
	// Reactions is a map of reaction key -> count
	Reactions map[string]int `json:"reactions,omitempty"`
}
