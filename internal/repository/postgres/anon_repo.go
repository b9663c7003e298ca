package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelmates/reelchat/internal/domain"
)

// AnonRepo manages anonymous chat sessions and their messages.
type AnonRepo struct {
	pool *pgxpool.Pool
}

func NewAnonRepo(pool *pgxpool.Pool) *AnonRepo {
	return &AnonRepo{pool: pool}
}

// FindPartner pairs selfID with an open waiting session, or creates a new
// waiting session. SKIP LOCKED keeps two concurrent searchers from grabbing
// the same row.
func (r *AnonRepo) FindPartner(ctx context.Context, selfID string) (*domain.AnonymousSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning pairing transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var sess domain.AnonymousSession
	err = tx.QueryRow(ctx, `
		SELECT id, status, user1_id, user2_id, ended_by, created_at
		FROM anon_sessions
		WHERE status = 'waiting' AND user1_id <> $1
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, selfID).Scan(
		&sess.ID, &sess.Status, &sess.User1ID, &sess.User2ID, &sess.EndedBy, &sess.CreatedAt,
	)

	switch {
	case err == nil:
		err = tx.QueryRow(ctx, `
			UPDATE anon_sessions
			SET user2_id = $1, status = 'paired'
			WHERE id = $2
			RETURNING status, user2_id`, selfID, sess.ID).Scan(&sess.Status, &sess.User2ID)
		if err != nil {
			return nil, fmt.Errorf("claiming waiting session: %w", err)
		}

	case errors.Is(err, pgx.ErrNoRows):
		sess = domain.AnonymousSession{ID: uuid.New(), Status: domain.SessionWaiting, User1ID: selfID}
		err = tx.QueryRow(ctx, `
			INSERT INTO anon_sessions (id, status, user1_id)
			VALUES ($1, 'waiting', $2)
			RETURNING created_at`, sess.ID, selfID).Scan(&sess.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("creating waiting session: %w", err)
		}

	default:
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing pairing transaction: %w", err)
	}
	return &sess, nil
}

func (r *AnonRepo) GetSession(ctx context.Context, id uuid.UUID) (*domain.AnonymousSession, error) {
	query := `
		SELECT id, status, user1_id, user2_id, ended_by, created_at
		FROM anon_sessions
		WHERE id = $1`
	var sess domain.AnonymousSession
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&sess.ID, &sess.Status, &sess.User1ID, &sess.User2ID, &sess.EndedBy, &sess.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &sess, err
}

// EndSession marks a session terminal. Idempotent; a session already ended
// by the other side keeps its original ended_by.
func (r *AnonRepo) EndSession(ctx context.Context, id uuid.UUID, endedBy string) error {
	query := `
		UPDATE anon_sessions
		SET status = 'ended', ended_by = $2
		WHERE id = $1 AND status <> 'ended'`
	_, err := r.pool.Exec(ctx, query, id, endedBy)
	return err
}

func (r *AnonRepo) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]domain.Message, error) {
	query := `
		SELECT id, sender_id, content, created_at
		FROM anon_messages
		WHERE session_id = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *AnonRepo) SendMessage(ctx context.Context, sessionID uuid.UUID, senderID, content string) (*domain.Message, error) {
	query := `
		INSERT INTO anon_messages (session_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	msg := domain.Message{SenderID: senderID, Content: content}
	err := r.pool.QueryRow(ctx, query, sessionID, senderID, content).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting session message: %w", err)
	}
	return &msg, nil
}
