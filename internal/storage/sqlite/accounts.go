package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"calsyncd/internal/storage"
)

const accountColumns = `id, user_id, remote_url, username, password, enabled, status, last_error, last_sync_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*storage.Account, error) {
	var a storage.Account
	err := row.Scan(&a.ID, &a.UserID, &a.RemoteURL, &a.Username, &a.Password, &a.Enabled,
		&a.Status, &a.LastError, &a.LastSyncAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a *storage.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = "ok"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, remote_url, username, password, enabled, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.RemoteURL, a.Username, a.Password, a.Enabled, a.Status, a.LastError)
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*storage.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id, status, lastError string, lastSync *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, last_error = ?, last_sync_at = COALESCE(?, last_sync_at), updated_at = datetime('now')
		WHERE id = ?
	`, status, lastError, lastSync, id)
	return err
}
