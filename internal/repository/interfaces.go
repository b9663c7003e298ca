package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/reelmates/reelchat/internal/domain"
)

// MessageRepository is the authoritative history and send surface for rooms
// and DMs. ListRecent returns ascending CreatedAt order, filtered server-side
// to the conversation's retention window.
type MessageRepository interface {
	ListRecent(ctx context.Context, conv domain.Conversation, selfID string) ([]domain.Message, error)
	// Send persists a message and returns the confirmed row with its
	// server-assigned id.
	Send(ctx context.Context, conv domain.Conversation, senderID, content string, replyTo *int64) (*domain.Message, error)
	// MarkSeen records that selfID has seen otherUserID's DM messages.
	// Best-effort; callers swallow failures.
	MarkSeen(ctx context.Context, otherUserID, selfID string) error
}

// UnreadRepository answers the authoritative "any unread DMs?" question.
// Re-queried rather than locally incremented so the flag survives cross-tab
// and cross-session drift.
type UnreadRepository interface {
	HasUnreadDMs(ctx context.Context, selfID string) (bool, error)
}

// AnonRepository manages ephemeral stranger-chat sessions.
type AnonRepository interface {
	// FindPartner joins an open session if one is waiting, otherwise
	// creates a new waiting session owned by selfID.
	FindPartner(ctx context.Context, selfID string) (*domain.AnonymousSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*domain.AnonymousSession, error)
	EndSession(ctx context.Context, id uuid.UUID, endedBy string) error
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]domain.Message, error)
	SendMessage(ctx context.Context, sessionID uuid.UUID, senderID, content string) (*domain.Message, error)
}
