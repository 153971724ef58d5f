package store

import (
	"context"
	"time"
)

// SetCheckpoint stores a progress marker under key.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint returns the marker stored under key, or ErrNotFound.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var v string
	if err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v); err != nil {
		return "", notFound(err)
	}
	return v, nil
}
