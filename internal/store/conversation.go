package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, account_id, contact_number, contact_name, profile_pic_url, is_group,
	last_message_at, unread_count, status, assigned_user_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var c Conversation
	err := s.Scan(&c.ID, &c.AccountID, &c.ContactNumber, &c.ContactName, &c.ProfilePicURL, &c.IsGroup,
		&c.LastMessageAt, &c.UnreadCount, &c.Status, &c.AssignedUserID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts c, assigning an id when empty. Returns
// ErrConflict when (account_id, contact_number) already exists.
func (db *DB) CreateConversation(ctx context.Context, c *Conversation) error {
	now := time.Now().UnixMilli()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ConversationActive
	}
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.ContactNumber, c.ContactName, c.ProfilePicURL, c.IsGroup,
		c.LastMessageAt, c.UnreadCount, c.Status, c.AssignedUserID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", mapErr(err))
	}
	return nil
}

// GetConversation looks a conversation up by its unique key.
func (db *DB) GetConversation(ctx context.Context, accountID, contactNumber string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE account_id = ? AND contact_number = ?`, accountID, contactNumber)
	c, err := scanConversation(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// GetConversationByID returns a conversation by primary key.
func (db *DB) GetConversationByID(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// ListConversations returns an account's conversations, most recent first.
func (db *DB) ListConversations(ctx context.Context, accountID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT `+conversationColumns+`
		FROM conversations
		WHERE account_id = ?
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// UpdateConversationMeta refreshes synced metadata without moving counters
// or timestamps backward.
func (db *DB) UpdateConversationMeta(ctx context.Context, id string, m ConversationMeta) error {
	res, err := db.ExecContext(ctx, `
		UPDATE conversations SET
			contact_name = CASE WHEN ? != '' THEN ? ELSE contact_name END,
			profile_pic_url = CASE WHEN ? != '' THEN ? ELSE profile_pic_url END,
			unread_count = MAX(unread_count, ?),
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE id = ?`,
		m.ContactName, m.ContactName, m.ProfilePicURL, m.ProfilePicURL,
		m.UnreadCount, m.LastMessageAt, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update conversation meta: %w", err)
	}
	return affected(res)
}

// TouchConversation increments the unread counter and advances last_message_at.
func (db *DB) TouchConversation(ctx context.Context, id string, at int64, unreadDelta int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE conversations SET
			unread_count = unread_count + ?,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE id = ?`, unreadDelta, at, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return affected(res)
}

// ClearUnread zeroes the unread counter, typically after the chat was read.
func (db *DB) ClearUnread(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return affected(res)
}
