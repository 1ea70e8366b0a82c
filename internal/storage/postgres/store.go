package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"calsyncd/internal/storage"
)

func marshalList(ss []string) []byte {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return b
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

const eventColumns = `id, calendar_id, uid, title, description, location, start_at, end_at,
	all_day, timezone, rrule, attendees, resources, sequence, status, sync_state,
	version_token, remote_url, raw_payload, created_at, updated_at`

func scanEvent(row pgx.Row) (*storage.Event, error) {
	var e storage.Event
	var attendees, resources []byte
	err := row.Scan(&e.ID, &e.CalendarID, &e.UID, &e.Title, &e.Description, &e.Location,
		&e.Start, &e.End, &e.AllDay, &e.Timezone, &e.RecurrenceRule, &attendees, &resources,
		&e.Sequence, &e.Status, &e.SyncState, &e.VersionToken, &e.RemoteURL, &e.RawPayload,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	_ = json.Unmarshal(attendees, &e.Attendees)
	_ = json.Unmarshal(resources, &e.Resources)
	return &e, nil
}

func (s *Store) CreateEvent(ctx context.Context, e *storage.Event) (int64, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO events (
			calendar_id, uid, title, description, location, start_at, end_at,
			all_day, timezone, rrule, attendees, resources, sequence, status,
			sync_state, version_token, remote_url, raw_payload
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING id
	`, e.CalendarID, e.UID, e.Title, e.Description, e.Location, e.Start, e.End,
		e.AllDay, e.Timezone, e.RecurrenceRule, marshalList(e.Attendees), marshalList(e.Resources),
		e.Sequence, e.Status, e.SyncState, e.VersionToken, e.RemoteURL, e.RawPayload).Scan(&e.ID)
	if err != nil {
		return 0, err
	}
	return e.ID, nil
}

func (s *Store) GetEvent(ctx context.Context, id int64) (*storage.Event, error) {
	return scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
}

func (s *Store) GetEventByUID(ctx context.Context, calendarID, uid string) (*storage.Event, error) {
	return scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id = $1 AND uid = $2`, calendarID, uid))
}

func (s *Store) ListEvents(ctx context.Context, calendarID string) ([]*storage.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id = $1 ORDER BY start_at`, calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListEventsBySyncState(ctx context.Context, calendarID string, states ...storage.SyncState) ([]*storage.Event, error) {
	if len(states) == 0 {
		return nil, nil
	}
	ss := make([]string, len(states))
	for i, st := range states {
		ss[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE calendar_id = $1 AND sync_state = ANY($2) ORDER BY id`, calendarID, ss)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateEvent(ctx context.Context, e *storage.Event) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET
			calendar_id = $1, uid = $2, title = $3, description = $4, location = $5,
			start_at = $6, end_at = $7, all_day = $8, timezone = $9, rrule = $10,
			attendees = $11, resources = $12, sequence = $13, status = $14, sync_state = $15,
			version_token = $16, remote_url = $17, raw_payload = $18, updated_at = now()
		WHERE id = $19
	`, e.CalendarID, e.UID, e.Title, e.Description, e.Location, e.Start, e.End,
		e.AllDay, e.Timezone, e.RecurrenceRule, marshalList(e.Attendees), marshalList(e.Resources),
		e.Sequence, e.Status, e.SyncState, e.VersionToken, e.RemoteURL, e.RawPayload, e.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateEventIfSequence(ctx context.Context, e *storage.Event, expectedSeq int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET
			uid = $1, title = $2, description = $3, location = $4,
			start_at = $5, end_at = $6, all_day = $7, timezone = $8, rrule = $9,
			attendees = $10, resources = $11, sequence = $12, status = $13, sync_state = $14,
			version_token = $15, remote_url = $16, raw_payload = $17, updated_at = now()
		WHERE id = $18 AND sequence = $19
	`, e.UID, e.Title, e.Description, e.Location, e.Start, e.End,
		e.AllDay, e.Timezone, e.RecurrenceRule, marshalList(e.Attendees), marshalList(e.Resources),
		e.Sequence, e.Status, e.SyncState, e.VersionToken, e.RemoteURL, e.RawPayload,
		e.ID, expectedSeq)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	return err
}

const calendarColumns = `id, account_id, uri, display_name, color, remote_url, ctag,
	status, last_error, last_sync_at, created_at, updated_at`

func scanCalendar(row pgx.Row) (*storage.Calendar, error) {
	var c storage.Calendar
	err := row.Scan(&c.ID, &c.AccountID, &c.URI, &c.DisplayName, &c.Color, &c.RemoteURL,
		&c.CTag, &c.Status, &c.LastError, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendars (id, account_id, uri, display_name, color, remote_url, ctag, status, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (account_id, remote_url) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			color = EXCLUDED.color,
			updated_at = now()
	`, c.ID, c.AccountID, c.URI, c.DisplayName, c.Color, c.RemoteURL, c.CTag, c.Status, c.LastError)
	return err
}

func (s *Store) GetCalendar(ctx context.Context, id string) (*storage.Calendar, error) {
	return scanCalendar(s.pool.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = $1`, id))
}

func (s *Store) GetCalendarByRemoteURL(ctx context.Context, accountID, remoteURL string) (*storage.Calendar, error) {
	return scanCalendar(s.pool.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE account_id = $1 AND remote_url = $2`, accountID, remoteURL))
}

func (s *Store) ListCalendars(ctx context.Context, accountID string) ([]*storage.Calendar, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE account_id = $1 ORDER BY uri`, accountID)
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
	_, err := s.pool.Exec(ctx, `UPDATE calendars SET ctag = $1, updated_at = now() WHERE id = $2`, ctag, id)
	return err
}

func (s *Store) UpdateCalendarStatus(ctx context.Context, id, status, lastError string, lastSync *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendars SET status = $1, last_error = $2, last_sync_at = COALESCE($3, last_sync_at), updated_at = now()
		WHERE id = $4
	`, status, lastError, lastSync, id)
	return err
}

const accountColumns = `id, user_id, remote_url, username, password, enabled, status, last_error, last_sync_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*storage.Account, error) {
	var a storage.Account
	err := row.Scan(&a.ID, &a.UserID, &a.RemoteURL, &a.Username, &a.Password, &a.Enabled,
		&a.Status, &a.LastError, &a.LastSyncAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, user_id, remote_url, username, password, enabled, status, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.UserID, a.RemoteURL, a.Username, a.Password, a.Enabled, a.Status, a.LastError)
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) ListAccounts(ctx context.Context) ([]*storage.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY user_id`)
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
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET status = $1, last_error = $2, last_sync_at = COALESCE($3, last_sync_at), updated_at = now()
		WHERE id = $4
	`, status, lastError, lastSync, id)
	return err
}

func (s *Store) GetMappingByEvent(ctx context.Context, eventID int64) (*storage.UIDMapping, error) {
	var m storage.UIDMapping
	err := s.pool.QueryRow(ctx, `SELECT event_id, uid, created_at FROM uid_mappings WHERE event_id = $1`, eventID).
		Scan(&m.EventID, &m.UID, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (s *Store) GetMappingByUID(ctx context.Context, uid string) (*storage.UIDMapping, error) {
	var m storage.UIDMapping
	err := s.pool.QueryRow(ctx, `SELECT event_id, uid, created_at FROM uid_mappings WHERE uid = $1`, uid).
		Scan(&m.EventID, &m.UID, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (s *Store) PutMapping(ctx context.Context, eventID int64, uid string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO uid_mappings (event_id, uid) VALUES ($1, $2)
		ON CONFLICT (event_id) DO UPDATE SET uid = EXCLUDED.uid
	`, eventID, uid)
	return err
}

func (s *Store) DeleteMapping(ctx context.Context, eventID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM uid_mappings WHERE event_id = $1`, eventID)
	return err
}

func (s *Store) RecordConflict(ctx context.Context, c *storage.ConflictLog) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO conflict_log (calendar_id, uid, local_sequence, remote_sequence, winner, losing_payload)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, c.CalendarID, c.UID, c.LocalSequence, c.RemoteSeq, c.Winner, c.LosingPayload).Scan(&c.ID)
}

func (s *Store) ListConflicts(ctx context.Context, calendarID string, limit int) ([]*storage.ConflictLog, error) {
	q := `SELECT id, calendar_id, uid, local_sequence, remote_sequence, winner, losing_payload, created_at
		FROM conflict_log WHERE calendar_id = $1 ORDER BY created_at DESC`
	args := []any{calendarID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.ConflictLog
	for rows.Next() {
		var c storage.ConflictLog
		if err := rows.Scan(&c.ID, &c.CalendarID, &c.UID, &c.LocalSequence, &c.RemoteSeq, &c.Winner, &c.LosingPayload, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
