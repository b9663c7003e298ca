package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	SessionWaiting = "waiting"
	SessionPaired  = "paired"
	SessionEnded   = "ended"
)

// AnonymousSession is an ephemeral 1:1 stranger pairing. Terminal once
// either party ends it or disconnects; never reused.
type AnonymousSession struct {
	ID        uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
	User1ID   string    `json:"user1_id"`
	User2ID   *string   `json:"user2_id,omitempty"`
	EndedBy   *string   `json:"ended_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PartnerOf returns the other participant's id, or nil while waiting.
func (s *AnonymousSession) PartnerOf(selfID string) *string {
	if s.User1ID != selfID {
		id := s.User1ID
		return &id
	}
	return s.User2ID
}

// EndedBySelf reports whether the local user terminated the session. Decides
// between "You ended the chat" and "Stranger disconnected".
func (s *AnonymousSession) EndedBySelf(selfID string) bool {
	return s.EndedBy != nil && *s.EndedBy == selfID
}
