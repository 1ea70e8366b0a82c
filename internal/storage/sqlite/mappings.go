package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"calsyncd/internal/storage"
)

func (s *Store) GetMappingByEvent(ctx context.Context, eventID int64) (*storage.UIDMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT event_id, uid, created_at FROM uid_mappings WHERE event_id = ?`, eventID)
	var m storage.UIDMapping
	if err := row.Scan(&m.EventID, &m.UID, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetMappingByUID(ctx context.Context, uid string) (*storage.UIDMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT event_id, uid, created_at FROM uid_mappings WHERE uid = ?`, uid)
	var m storage.UIDMapping
	if err := row.Scan(&m.EventID, &m.UID, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) PutMapping(ctx context.Context, eventID int64, uid string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uid_mappings (event_id, uid) VALUES (?, ?)
		ON CONFLICT(event_id) DO UPDATE SET uid = excluded.uid
	`, eventID, uid)
	return err
}

func (s *Store) DeleteMapping(ctx context.Context, eventID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM uid_mappings WHERE event_id = ?`, eventID)
	return err
}

func (s *Store) RecordConflict(ctx context.Context, c *storage.ConflictLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO conflict_log (calendar_id, uid, local_sequence, remote_sequence, winner, losing_payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.CalendarID, c.UID, c.LocalSequence, c.RemoteSeq, c.Winner, c.LosingPayload)
		if err != nil {
			return err
		}
		c.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) ListConflicts(ctx context.Context, calendarID string, limit int) ([]*storage.ConflictLog, error) {
	q := `SELECT id, calendar_id, uid, local_sequence, remote_sequence, winner, losing_payload, created_at
		FROM conflict_log WHERE calendar_id = ? ORDER BY created_at DESC`
	args := []any{calendarID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
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
