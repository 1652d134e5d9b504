package internal

import (
	"sort"
	"time"
)

// frame types exchanged over the websocket. One envelope struct is used in
// both directions; unused fields stay empty for a given type.
const (
	FrameHello    = "hello"    // server -> client, after the handshake
	FrameJoin     = "join"     // client -> server
	FrameLeave    = "leave"    // client -> server
	FrameMessage  = "message"  // both directions, carries a canonical Message
	FrameTyping   = "typing"   // both directions
	FrameRead     = "read"     // both directions
	FramePresence = "presence" // server -> client, full online snapshot
	FrameError    = "error"    // server -> client
)

// Message is the canonical persisted chat message. The ID is assigned by the
// server on persist; a client may carry a temporary local-… ID before that.
type Message struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"room_id"`
	SenderID      string    `json:"sender_id"`
	SenderName    string    `json:"sender_name,omitempty"`
	Content       string    `json:"content"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ReadBy        []string  `json:"read_by"`
}

// ReadByContains reports whether the given user already acknowledged the message.
func (m *Message) ReadByContains(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Frame is the json envelope both the client and server exchange during a
// chat session.
type Frame struct {
	Type      string   `json:"type"`
	RoomID    string   `json:"room_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Message   *Message `json:"message,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	Typing    bool     `json:"typing,omitempty"`
	TypingSet []string `json:"typing_set,omitempty"`
	ReadBy    []string `json:"read_by,omitempty"`
	Online    []string `json:"online,omitempty"`
	Code      string   `json:"code,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Before orders messages by (createdAt, id). Timestamp alone is not enough
// because clock resolution can tie two messages.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

func sortedSet(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for id := range in {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
