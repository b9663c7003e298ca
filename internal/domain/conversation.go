package domain

import (
	"fmt"
	"time"
)

const (
	KindRoom = "room"
	KindDM   = "dm"
	KindAnon = "anon"
)

// Retention windows enforced server-side; history fetches never return
// anything older, so the client treats older messages as purged.
const (
	RoomRetention = 12 * time.Hour
	DMRetention   = 72 * time.Hour
)

// Conversation identifies the thread currently being viewed: a shared room
// or a direct pairing with one other user.
type Conversation struct {
	Kind string `json:"kind"`
	// RoomID is set when Kind == room.
	RoomID int64 `json:"room_id,omitempty"`
	// OtherUserID is set when Kind == dm.
	OtherUserID string `json:"other_user_id,omitempty"`
	// SessionID is set when Kind == anon.
	SessionID string `json:"session_id,omitempty"`
}

func RoomConversation(roomID int64) Conversation {
	return Conversation{Kind: KindRoom, RoomID: roomID}
}

func DMConversation(otherUserID string) Conversation {
	return Conversation{Kind: KindDM, OtherUserID: otherUserID}
}

func AnonConversation(sessionID string) Conversation {
	return Conversation{Kind: KindAnon, SessionID: sessionID}
}

// Key returns the unread-counter key for this conversation. Rooms are
// namespaced so their numeric ids can never collide with DM user ids.
func (c Conversation) Key() string {
	switch c.Kind {
	case KindRoom:
		return RoomKey(c.RoomID)
	case KindAnon:
		return "anon-" + c.SessionID
	}
	return c.OtherUserID
}

// RoomKey builds the counter key for a room without a full Conversation.
func RoomKey(roomID int64) string {
	return fmt.Sprintf("room-%d", roomID)
}

func (c Conversation) IsDM() bool {
	return c.Kind == KindDM
}

// Retention returns how far back history fetches reach for this conversation.
func (c Conversation) Retention() time.Duration {
	if c.Kind == KindRoom {
		return RoomRetention
	}
	return DMRetention
}
