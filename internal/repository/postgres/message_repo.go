package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelmates/reelchat/internal/domain"
)

// MessageRepo is the authoritative message store for rooms and DMs, backed
// by the hosted backend's Postgres.
type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// ListRecent fetches the retention-window history for conv, ascending by
// created_at. Anything older is presumed purged; it is never requested.
func (r *MessageRepo) ListRecent(ctx context.Context, conv domain.Conversation, selfID string) ([]domain.Message, error) {
	cutoff := time.Now().Add(-conv.Retention())

	if conv.Kind == domain.KindRoom {
		return r.listRoom(ctx, conv.RoomID, cutoff)
	}
	return r.listDM(ctx, conv.OtherUserID, selfID, cutoff)
}

func (r *MessageRepo) listRoom(ctx context.Context, roomID int64, cutoff time.Time) ([]domain.Message, error) {
	query := `
		SELECT m.id, m.room_id, m.sender_id, m.content, m.reply_to_message_id, m.created_at, p.username
		FROM room_messages m
		JOIN profiles p ON m.sender_id = p.id
		WHERE m.room_id = $1 AND m.created_at > $2
		ORDER BY m.created_at ASC`

	rows, err := r.pool.Query(ctx, query, roomID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content,
			&msg.ReplyToID, &msg.CreatedAt, &msg.SenderUsername,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *MessageRepo) listDM(ctx context.Context, otherUserID, selfID string, cutoff time.Time) ([]domain.Message, error) {
	query := `
		SELECT m.id, m.sender_id, m.recipient_id, m.content, m.reply_to_message_id, m.seen_by, m.created_at, p.username
		FROM dm_messages m
		JOIN profiles p ON m.sender_id = p.id
		WHERE ((m.sender_id = $1 AND m.recipient_id = $2) OR (m.sender_id = $2 AND m.recipient_id = $1))
			AND m.created_at > $3
		ORDER BY m.created_at ASC`

	rows, err := r.pool.Query(ctx, query, selfID, otherUserID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Content,
			&msg.ReplyToID, &msg.SeenBy, &msg.CreatedAt, &msg.SenderUsername,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Send persists the message and returns the confirmed row with its
// server-assigned id.
func (r *MessageRepo) Send(ctx context.Context, conv domain.Conversation, senderID, content string, replyTo *int64) (*domain.Message, error) {
	if conv.Kind == domain.KindRoom {
		query := `
			INSERT INTO room_messages (room_id, sender_id, content, reply_to_message_id)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`
		msg := domain.Message{RoomID: conv.RoomID, SenderID: senderID, Content: content, ReplyToID: replyTo}
		err := r.pool.QueryRow(ctx, query, conv.RoomID, senderID, content, replyTo).Scan(&msg.ID, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("inserting room message: %w", err)
		}
		return &msg, nil
	}

	query := `
		INSERT INTO dm_messages (sender_id, recipient_id, content, reply_to_message_id, seen_by)
		VALUES ($1, $2, $3, $4, ARRAY[$1])
		RETURNING id, created_at`
	msg := domain.Message{
		SenderID:    senderID,
		RecipientID: conv.OtherUserID,
		Content:     content,
		ReplyToID:   replyTo,
		SeenBy:      []string{senderID},
	}
	err := r.pool.QueryRow(ctx, query, senderID, conv.OtherUserID, content, replyTo).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting dm message: %w", err)
	}
	return &msg, nil
}

// MarkSeen adds selfID to the seen set of every unseen DM from otherUserID.
func (r *MessageRepo) MarkSeen(ctx context.Context, otherUserID, selfID string) error {
	query := `
		UPDATE dm_messages
		SET seen_by = array_append(seen_by, $2)
		WHERE sender_id = $1 AND recipient_id = $2 AND NOT (seen_by @> ARRAY[$2])`
	_, err := r.pool.Exec(ctx, query, otherUserID, selfID)
	return err
}

// HasUnreadDMs implements repository.UnreadRepository against the same
// table: any DM addressed to selfID, inside the retention window, that
// selfID has not seen.
func (r *MessageRepo) HasUnreadDMs(ctx context.Context, selfID string) (bool, error) {
	cutoff := time.Now().Add(-domain.DMRetention)
	query := `
		SELECT EXISTS (
			SELECT 1 FROM dm_messages
			WHERE recipient_id = $1 AND created_at > $2 AND NOT (seen_by @> ARRAY[$1])
		)`
	var exists bool
	err := r.pool.QueryRow(ctx, query, selfID, cutoff).Scan(&exists)
	return exists, err
}
