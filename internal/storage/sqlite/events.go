package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"calsyncd/internal/storage"
)

const eventColumns = `id, calendar_id, uid, title, description, location, start_at, end_at,
	all_day, timezone, rrule, attendees, resources, sequence, status, sync_state,
	version_token, remote_url, raw_payload, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*storage.Event, error) {
	var e storage.Event
	var attendees, resources []byte
	err := row.Scan(&e.ID, &e.CalendarID, &e.UID, &e.Title, &e.Description, &e.Location,
		&e.Start, &e.End, &e.AllDay, &e.Timezone, &e.RecurrenceRule, &attendees, &resources,
		&e.Sequence, &e.Status, &e.SyncState, &e.VersionToken, &e.RemoteURL, &e.RawPayload,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(attendees, &e.Attendees)
	_ = json.Unmarshal(resources, &e.Resources)
	return &e, nil
}

func marshalList(ss []string) []byte {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return b
}

func (s *Store) CreateEvent(ctx context.Context, e *storage.Event) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO events (
				calendar_id, uid, title, description, location, start_at, end_at,
				all_day, timezone, rrule, attendees, resources, sequence, status,
				sync_state, version_token, remote_url, raw_payload
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.CalendarID, e.UID, e.Title, e.Description, e.Location, e.Start, e.End,
			e.AllDay, e.Timezone, e.RecurrenceRule, marshalList(e.Attendees), marshalList(e.Resources),
			e.Sequence, e.Status, e.SyncState, e.VersionToken, e.RemoteURL, e.RawPayload)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (s *Store) GetEvent(ctx context.Context, id int64) (*storage.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

func (s *Store) GetEventByUID(ctx context.Context, calendarID, uid string) (*storage.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id = ? AND uid = ?`, calendarID, uid)
	return scanEvent(row)
}

func (s *Store) ListEvents(ctx context.Context, calendarID string) ([]*storage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id = ? ORDER BY start_at`, calendarID)
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
	q := `SELECT ` + eventColumns + ` FROM events WHERE calendar_id = ? AND sync_state IN (?`
	args := []any{calendarID, states[0]}
	for _, st := range states[1:] {
		q += ", ?"
		args = append(args, st)
	}
	q += ") ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			calendar_id = ?, uid = ?, title = ?, description = ?, location = ?,
			start_at = ?, end_at = ?, all_day = ?, timezone = ?, rrule = ?,
			attendees = ?, resources = ?, sequence = ?, status = ?, sync_state = ?,
			version_token = ?, remote_url = ?, raw_payload = ?, updated_at = datetime('now')
		WHERE id = ?
	`, e.CalendarID, e.UID, e.Title, e.Description, e.Location, e.Start, e.End,
		e.AllDay, e.Timezone, e.RecurrenceRule, marshalList(e.Attendees), marshalList(e.Resources),
		e.Sequence, e.Status, e.SyncState, e.VersionToken, e.RemoteURL, e.RawPayload, e.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateEventIfSequence(ctx context.Context, e *storage.Event, expectedSeq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			uid = ?, title = ?, description = ?, location = ?,
			start_at = ?, end_at = ?, all_day = ?, timezone = ?, rrule = ?,
			attendees = ?, resources = ?, sequence = ?, status = ?, sync_state = ?,
			version_token = ?, remote_url = ?, raw_payload = ?, updated_at = datetime('now')
		WHERE id = ? AND sequence = ?
	`, e.UID, e.Title, e.Description, e.Location, e.Start, e.End,
		e.AllDay, e.Timezone, e.RecurrenceRule, marshalList(e.Attendees), marshalList(e.Resources),
		e.Sequence, e.Status, e.SyncState, e.VersionToken, e.RemoteURL, e.RawPayload,
		e.ID, expectedSeq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	return err
}
