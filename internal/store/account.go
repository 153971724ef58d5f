package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const accountColumns = `id, user_id, label, display_name, phone, status, qr_code, last_seen_at, session_data, created_at, updated_at`

// CreateAccount inserts a new account. Status defaults to DISCONNECTED.
func (db *DB) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now().UnixMilli()
	if a.Status == "" {
		a.Status = AccountDisconnected
	}
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Label, a.DisplayName, a.Phone, a.Status, a.QRCode, a.LastSeenAt, a.SessionData, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", mapErr(err))
	}
	return nil
}

// GetAccount returns an account by id or ErrNotFound.
func (db *DB) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.UserID, &a.Label, &a.DisplayName, &a.Phone, &a.Status, &a.QRCode, &a.LastSeenAt, &a.SessionData, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ListAccounts returns accounts ordered by creation, filtered by status when set.
func (db *DB) ListAccounts(ctx context.Context, status AccountStatus) ([]Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Label, &a.DisplayName, &a.Phone, &a.Status, &a.QRCode, &a.LastSeenAt, &a.SessionData, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccount applies the non-nil fields of u.
func (db *DB) UpdateAccount(ctx context.Context, id string, u AccountUpdate) error {
	sets, args := accountSets(u)
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id)

	res, err := db.ExecContext(ctx, `UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	return affected(res)
}

// accountSets renders "col = ?" fragments for the fields present in u.
func accountSets(u AccountUpdate) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.QRCode != nil {
		add("qr_code", *u.QRCode)
	}
	if u.DisplayName != nil {
		add("display_name", *u.DisplayName)
	}
	if u.Phone != nil {
		add("phone", *u.Phone)
	}
	if u.LastSeenAt != nil {
		add("last_seen_at", *u.LastSeenAt)
	}
	if u.SessionData != nil {
		add("session_data", *u.SessionData)
	}
	return sets, args
}
