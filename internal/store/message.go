package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, account_id, conversation_id, provider_id, direction, type, content, media_ref,
	status, from_id, to_id, timestamp, created_at, backfilled`

func scanMessage(s scanner) (*Message, error) {
	var m Message
	err := s.Scan(&m.ID, &m.AccountID, &m.ConversationID, &m.ProviderID, &m.Direction, &m.Type, &m.Content, &m.MediaRef,
		&m.Status, &m.From, &m.To, &m.Timestamp, &m.CreatedAt, &m.Backfilled)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage inserts m. A second insert with the same provider id for the
// same account returns ErrConflict.
func (db *DB) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AccountID, m.ConversationID, m.ProviderID, m.Direction, m.Type, m.Content, m.MediaRef,
		m.Status, m.From, m.To, m.Timestamp, m.CreatedAt, m.Backfilled)
	if err != nil {
		return fmt.Errorf("insert message: %w", mapErr(err))
	}
	return nil
}

// GetMessage returns a message by its provider id.
func (db *DB) GetMessage(ctx context.Context, accountID, providerID string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE account_id = ? AND provider_id = ?`, accountID, providerID))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// ClaimBackfilled clears the backfill mark of a message and reports whether
// this call cleared it.
func (db *DB) ClaimBackfilled(ctx context.Context, accountID, providerID string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET backfilled = 0
		WHERE account_id = ? AND provider_id = ? AND backfilled = 1`, accountID, providerID)
	if err != nil {
		return false, fmt.Errorf("claim backfilled message: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListMessages returns messages for a conversation using keyset pagination by timestamp.
func (db *DB) ListMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// UpdateMessageStatus applies a delivery status only if it is a forward move.
func (db *DB) UpdateMessageStatus(ctx context.Context, accountID, providerID string, status DeliveryStatus) (bool, error) {
	from := status.Supersedes()
	if len(from) == 0 {
		return false, nil
	}
	args := []any{status, accountID, providerID}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE account_id = ? AND provider_id = ?
		AND status IN (`+strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
