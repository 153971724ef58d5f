package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/matheus3301/wpphub/internal/store"
)

const conversationColumns = `id, account_id, contact_number, contact_name, profile_pic_url, is_group,
	last_message_at, unread_count, status, assigned_user_id, created_at, updated_at`

func scanConversation(row pgx.Row) (*store.Conversation, error) {
	var c store.Conversation
	err := row.Scan(&c.ID, &c.AccountID, &c.ContactNumber, &c.ContactName, &c.ProfilePicURL, &c.IsGroup,
		&c.LastMessageAt, &c.UnreadCount, &c.Status, &c.AssignedUserID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) CreateConversation(ctx context.Context, c *store.Conversation) error {
	now := time.Now().UnixMilli()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = store.ConversationActive
	}
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := db.pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.AccountID, c.ContactNumber, c.ContactName, c.ProfilePicURL, c.IsGroup,
		c.LastMessageAt, c.UnreadCount, string(c.Status), c.AssignedUserID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", mapErr(err))
	}
	return nil
}

func (db *DB) GetConversation(ctx context.Context, accountID, contactNumber string) (*store.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE account_id = $1 AND contact_number = $2`, accountID, contactNumber))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (db *DB) GetConversationByID(ctx context.Context, id string) (*store.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (db *DB) ListConversations(ctx context.Context, accountID string, limit, offset int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx, `SELECT `+conversationColumns+`
		FROM conversations
		WHERE account_id = $1
		ORDER BY last_message_at DESC, id ASC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func (db *DB) UpdateConversationMeta(ctx context.Context, id string, m store.ConversationMeta) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE conversations SET
			contact_name = COALESCE(NULLIF($1, ''), contact_name),
			profile_pic_url = COALESCE(NULLIF($2, ''), profile_pic_url),
			unread_count = GREATEST(unread_count, $3),
			last_message_at = GREATEST(last_message_at, $4),
			updated_at = $5
		WHERE id = $6`,
		m.ContactName, m.ProfilePicURL, m.UnreadCount, m.LastMessageAt, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update conversation meta: %w", err)
	}
	return affected(tag)
}

func (db *DB) TouchConversation(ctx context.Context, id string, at int64, unreadDelta int) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE conversations SET
			unread_count = unread_count + $1,
			last_message_at = GREATEST(last_message_at, $2),
			updated_at = $3
		WHERE id = $4`, unreadDelta, at, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return affected(tag)
}

func (db *DB) ClearUnread(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE conversations SET unread_count = 0, updated_at = $1 WHERE id = $2`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return affected(tag)
}
