package domain

import (
	"time"
)

// Message is one chat message in a room, DM, or anonymous session. IDs are
// server-assigned and monotonically increasing by creation order, but not
// gap-free. An optimistic placeholder carries a locally generated
// epoch-millisecond id and Pending=true until the server echo replaces it.
type Message struct {
	ID          int64     `json:"id"`
	RoomID      int64     `json:"room_id,omitempty"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	ReplyToID   *int64    `json:"reply_to_message_id,omitempty"`
	SeenBy      []string  `json:"seen_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// Joined fields
	SenderUsername string `json:"sender_username,omitempty"`

	// Pending marks an optimistic placeholder awaiting server confirmation.
	Pending bool `json:"-"`
}

// SeenByUser reports whether userID is in the seen set.
func (m *Message) SeenByUser(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// NewPlaceholder builds the optimistic entry inserted before the server
// confirms a send. Epoch-millisecond ids sit far above realistic sequential
// server ids, so they cannot collide with a confirmed message in the list.
func NewPlaceholder(id int64, conv Conversation, senderID, content string, replyTo *int64, now time.Time) Message {
	msg := Message{
		ID:        id,
		SenderID:  senderID,
		Content:   content,
		ReplyToID: replyTo,
		CreatedAt: now,
		Pending:   true,
	}
	if conv.Kind == KindRoom {
		msg.RoomID = conv.RoomID
	} else {
		msg.RecipientID = conv.OtherUserID
	}
	return msg
}
