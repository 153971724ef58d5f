package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/matheus3301/wpphub/internal/store"
)

const messageColumns = `id, account_id, conversation_id, provider_id, direction, type, content, media_ref,
	status, from_id, to_id, timestamp, created_at, backfilled`

func scanMessage(row pgx.Row) (*store.Message, error) {
	var m store.Message
	err := row.Scan(&m.ID, &m.AccountID, &m.ConversationID, &m.ProviderID, &m.Direction, &m.Type, &m.Content, &m.MediaRef,
		&m.Status, &m.From, &m.To, &m.Timestamp, &m.CreatedAt, &m.Backfilled)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (db *DB) CreateMessage(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UnixMilli()
	_, err := db.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.AccountID, m.ConversationID, m.ProviderID, string(m.Direction), string(m.Type), m.Content, m.MediaRef,
		string(m.Status), m.From, m.To, m.Timestamp, m.CreatedAt, m.Backfilled)
	if err != nil {
		return fmt.Errorf("insert message: %w", mapErr(err))
	}
	return nil
}

func (db *DB) GetMessage(ctx context.Context, accountID, providerID string) (*store.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE account_id = $1 AND provider_id = $2`, accountID, providerID))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (db *DB) ClaimBackfilled(ctx context.Context, accountID, providerID string) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE messages SET backfilled = FALSE
		WHERE account_id = $1 AND provider_id = $2 AND backfilled`, accountID, providerID)
	if err != nil {
		return false, fmt.Errorf("claim backfilled message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) ListMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.pool.Query(ctx, `SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND timestamp < $2
		ORDER BY timestamp DESC
		LIMIT $3`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (db *DB) UpdateMessageStatus(ctx context.Context, accountID, providerID string, status store.DeliveryStatus) (bool, error) {
	from := status.Supersedes()
	if len(from) == 0 {
		return false, nil
	}
	prev := make([]string, len(from))
	for i, s := range from {
		prev[i] = string(s)
	}
	tag, err := db.pool.Exec(ctx, `
		UPDATE messages SET status = $1
		WHERE account_id = $2 AND provider_id = $3 AND status = ANY($4)`,
		string(status), accountID, providerID, prev)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
