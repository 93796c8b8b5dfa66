package models

import (
	"slices"
	"time"
)

// DefaultMessageType is used when a sender does not name one.
const DefaultMessageType = "text"

// Message is an entry of a direct or group conversation log.
// Exactly one of To and GroupID is set.
type Message struct {
	ID        string `json:"id"` // ULID
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	Timestamp int64  `json:"ts"` // Unix ms, strictly increasing per conversation
	Seq       int64  `json:"seq"`
	Read      bool   `json:"read"`
}

// IsGroup reports whether m belongs to a group conversation.
func (m Message) IsGroup() bool {
	return m.GroupID != ""
}

// ConversationKey identifies the log m is appended to.
func (m Message) ConversationKey() string {
	if m.IsGroup() {
		return GroupConversationKey(m.GroupID)
	}
	return DirectConversationKey(m.From, m.To)
}

// DirectConversationKey identifies the log shared by two agents.
func DirectConversationKey(a, b string) string {
	return "dm:" + PairKey(a, b)
}

// GroupConversationKey identifies the log of a group.
func GroupConversationKey(groupID string) string {
	return "group:" + groupID
}

// Receipt records that a message is still unread by a recipient.
type Receipt struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
}

// Group is a named set of agents sharing one conversation log.
type Group struct {
	GroupID   string    `json:"group_id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Members   []string  `json:"members"` // owner first
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether axID belongs to g.
func (g Group) HasMember(axID string) bool {
	return slices.Contains(g.Members, axID)
}

// Clone returns a copy that shares no slices with g.
func (g Group) Clone() Group {
	g.Members = append([]string(nil), g.Members...)
	return g
}
