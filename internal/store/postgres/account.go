package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/matheus3301/wpphub/internal/store"
)

const accountColumns = `id, user_id, label, display_name, phone, status, qr_code, last_seen_at, session_data, created_at, updated_at`

func scanAccount(row pgx.Row) (*store.Account, error) {
	var a store.Account
	err := row.Scan(&a.ID, &a.UserID, &a.Label, &a.DisplayName, &a.Phone, &a.Status, &a.QRCode, &a.LastSeenAt, &a.SessionData, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) CreateAccount(ctx context.Context, a *store.Account) error {
	now := time.Now().UnixMilli()
	if a.Status == "" {
		a.Status = store.AccountDisconnected
	}
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := db.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.UserID, a.Label, a.DisplayName, a.Phone, string(a.Status), a.QRCode, a.LastSeenAt, a.SessionData, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", mapErr(err))
	}
	return nil
}

func (db *DB) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	a, err := scanAccount(db.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (db *DB) ListAccounts(ctx context.Context, status store.AccountStatus) ([]store.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (db *DB) UpdateAccount(ctx context.Context, id string, u store.AccountUpdate) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
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
	add("updated_at", time.Now().UnixMilli())
	args = append(args, id)

	q := fmt.Sprintf(`UPDATE accounts SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	tag, err := db.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	return affected(tag)
}
