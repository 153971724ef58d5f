package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/matheus3301/wpphub/internal/store"
)

const outboxColumns = `id, account_id, to_id, body, status, error_message, provider_id, created_at, updated_at`

func scanOutbox(row pgx.Row) (*store.OutboxEntry, error) {
	var e store.OutboxEntry
	if err := row.Scan(&e.ID, &e.AccountID, &e.To, &e.Body, &e.Status, &e.ErrorMessage, &e.ProviderID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (db *DB) QueueOutbox(ctx context.Context, e *store.OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = store.OutboxQueued
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := db.pool.Exec(ctx, `
		INSERT INTO outbox (id, account_id, to_id, body, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AccountID, e.To, e.Body, e.Status, now, now)
	return mapErr(err)
}

func (db *DB) GetOutbox(ctx context.Context, id string) (*store.OutboxEntry, error) {
	e, err := scanOutbox(db.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (db *DB) PendingOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, `SELECT `+outboxColumns+`
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (db *DB) MarkOutboxSending(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE outbox SET status = 'sending', updated_at = $1 WHERE id = $2`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (db *DB) MarkOutboxSent(ctx context.Context, id, providerID string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE outbox SET status = 'sent', provider_id = $1, updated_at = $2 WHERE id = $3`, providerID, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (db *DB) MarkOutboxFailed(ctx context.Context, id, errMsg string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE outbox SET status = 'failed', error_message = $1, updated_at = $2 WHERE id = $3`, errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (db *DB) MarkOutboxQueued(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE outbox SET status = 'queued', updated_at = $1 WHERE id = $2`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (db *DB) RequeueSending(ctx context.Context) (int, error) {
	tag, err := db.pool.Exec(ctx, `UPDATE outbox SET status = 'queued', updated_at = $1 WHERE status = 'sending'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var v string
	if err := db.pool.QueryRow(ctx, `SELECT value FROM sync_state WHERE key = $1`, key).Scan(&v); err != nil {
		return "", notFound(err)
	}
	return v, nil
}
