package domain

// Feed event kinds and tables. Push payloads are narrowed into this tagged
// form once at the subscription boundary; consumers never re-inspect raw
// payload shapes.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

const (
	TableRoomMessages = "room_messages"
	TableDMMessages   = "dm_messages"
	TableAnonMessages = "anon_messages"
	TableAnonSessions = "anon_sessions"
)

// FeedEvent is a single push-delivered change. Exactly one of Message or
// Session is set, depending on Table. Delivery is best-effort: events may
// drop, duplicate, or arrive out of order relative to polling, which is why
// every consumer merges idempotently by id.
type FeedEvent struct {
	Kind    string
	Table   string
	Message *Message
	Session *AnonymousSession
}

// Conversation maps a message event to the thread it belongs to, from the
// perspective of selfID. Session events have no conversation.
func (e FeedEvent) Conversation(selfID string) (Conversation, bool) {
	switch e.Table {
	case TableRoomMessages:
		return RoomConversation(e.Message.RoomID), true
	case TableDMMessages:
		other := e.Message.SenderID
		if other == selfID {
			other = e.Message.RecipientID
		}
		return DMConversation(other), true
	}
	return Conversation{}, false
}

// TypingEvent is a typing broadcast from another participant. Stop events
// carry only the user id.
type TypingEvent struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Stop     bool   `json:"stop,omitempty"`
}
