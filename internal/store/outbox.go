package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = OutboxQueued
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (id, account_id, to_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.To, e.Body, e.Status, now, now)
	return mapErr(err)
}

// GetOutbox returns a single outbox entry.
func (db *DB) GetOutbox(ctx context.Context, id string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRowContext(ctx, `
		SELECT id, account_id, to_id, body, status, error_message, provider_id, created_at, updated_at
		FROM outbox WHERE id = ?`, id).
		Scan(&e.ID, &e.AccountID, &e.To, &e.Body, &e.Status, &e.ErrorMessage, &e.ProviderID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, id string) error {
	return db.markOutbox(ctx, `UPDATE outbox SET status = 'sending', updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
}

// MarkOutboxSent updates an outbox entry to 'sent' with the provider message ID.
func (db *DB) MarkOutboxSent(ctx context.Context, id, providerID string) error {
	return db.markOutbox(ctx, `UPDATE outbox SET status = 'sent', provider_id = ?, updated_at = ? WHERE id = ?`, providerID, time.Now().UnixMilli(), id)
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, id, errMsg string) error {
	return db.markOutbox(ctx, `UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`, errMsg, time.Now().UnixMilli(), id)
}

// MarkOutboxQueued returns an entry to 'queued' so the next poll picks it up.
func (db *DB) MarkOutboxQueued(ctx context.Context, id string) error {
	return db.markOutbox(ctx, `UPDATE outbox SET status = 'queued', updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
}

// RequeueSending resets entries interrupted mid-send.
func (db *DB) RequeueSending(ctx context.Context) (int, error) {
	res, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (db *DB) markOutbox(ctx context.Context, q string, args ...any) error {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	return affected(res)
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, account_id, to_id, body, status, error_message, provider_id, created_at, updated_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.To, &e.Body, &e.Status, &e.ErrorMessage, &e.ProviderID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
