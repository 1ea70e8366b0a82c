package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"calsyncd/internal/storage"
)

const calendarColumns = `id, account_id, uri, display_name, color, remote_url, ctag,
	status, last_error, last_sync_at, created_at, updated_at`

func scanCalendar(row interface{ Scan(...any) error }) (*storage.Calendar, error) {
	var c storage.Calendar
	err := row.Scan(&c.ID, &c.AccountID, &c.URI, &c.DisplayName, &c.Color, &c.RemoteURL,
		&c.CTag, &c.Status, &c.LastError, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpsertCalendar(ctx context.Context, c *storage.Calendar) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Color == "" {
		c.Color = "#3174ad"
	}
	if c.Status == "" {
		c.Status = "ok"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendars (id, account_id, uri, display_name, color, remote_url, ctag, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, remote_url) DO UPDATE SET
			display_name = excluded.display_name,
			color = excluded.color,
			updated_at = datetime('now')
	`, c.ID, c.AccountID, c.URI, c.DisplayName, c.Color, c.RemoteURL, c.CTag, c.Status, c.LastError)
	return err
}

func (s *Store) GetCalendar(ctx context.Context, id string) (*storage.Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	return scanCalendar(row)
}

func (s *Store) GetCalendarByRemoteURL(ctx context.Context, accountID, remoteURL string) (*storage.Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? AND remote_url = ?`, accountID, remoteURL)
	return scanCalendar(row)
}

func (s *Store) ListCalendars(ctx context.Context, accountID string) ([]*storage.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? ORDER BY uri`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCalendarCTag(ctx context.Context, id, ctag string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendars SET ctag = ?, updated_at = datetime('now') WHERE id = ?
	`, ctag, id)
	return err
}

func (s *Store) UpdateCalendarStatus(ctx context.Context, id, status, lastError string, lastSync *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendars SET status = ?, last_error = ?, last_sync_at = COALESCE(?, last_sync_at), updated_at = datetime('now')
		WHERE id = ?
	`, status, lastError, lastSync, id)
	return err
}
