// Package memory provides a non-durable Store used by tests and by
// STORAGE_TYPE=memory deployments that don't need persistence.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsyncd/internal/storage"
)

type Store struct {
	mu        sync.RWMutex
	nextID    int64
	accounts  map[string]*storage.Account
	calendars map[string]*storage.Calendar
	events    map[int64]*storage.Event
	mappings  map[int64]*storage.UIDMapping // keyed by event id
	conflicts []*storage.ConflictLog
}

func New() *Store {
	return &Store{
		nextID:    1,
		accounts:  make(map[string]*storage.Account),
		calendars: make(map[string]*storage.Calendar),
		events:    make(map[int64]*storage.Event),
		mappings:  make(map[int64]*storage.UIDMapping),
	}
}

func (s *Store) Close() {}

func cloneEvent(e *storage.Event) *storage.Event {
	c := *e
	c.Attendees = append([]string(nil), e.Attendees...)
	c.Resources = append([]string(nil), e.Resources...)
	c.RawPayload = append([]byte(nil), e.RawPayload...)
	return &c
}

func (s *Store) CreateAccount(_ context.Context, a *storage.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = "ok"
	}
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]*storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpdateAccountStatus(_ context.Context, id, status, lastError string, lastSync *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.Status = status
	a.LastError = lastError
	if lastSync != nil {
		a.LastSyncAt = lastSync
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpsertCalendar(_ context.Context, c *storage.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.calendars {
		if existing.AccountID == c.AccountID && existing.RemoteURL == c.RemoteURL {
			existing.DisplayName = c.DisplayName
			existing.Color = c.Color
			existing.UpdatedAt = time.Now().UTC()
			c.ID = existing.ID
			return nil
		}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Color == "" {
		c.Color = "#3174ad"
	}
	if c.Status == "" {
		c.Status = "ok"
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	s.calendars[c.ID] = &cp
	return nil
}

func (s *Store) GetCalendar(_ context.Context, id string) (*storage.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calendars[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetCalendarByRemoteURL(_ context.Context, accountID, remoteURL string) (*storage.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.calendars {
		if c.AccountID == accountID && c.RemoteURL == remoteURL {
			cp := *c
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListCalendars(_ context.Context, accountID string) ([]*storage.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Calendar
	for _, c := range s.calendars {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateCalendarCTag(_ context.Context, id, ctag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.CTag = ctag
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateCalendarStatus(_ context.Context, id, status, lastError string, lastSync *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Status = status
	c.LastError = lastError
	if lastSync != nil {
		c.LastSyncAt = lastSync
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateEvent(_ context.Context, e *storage.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextID
	s.nextID++
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	s.events[e.ID] = cloneEvent(e)
	return e.ID, nil
}

func (s *Store) GetEvent(_ context.Context, id int64) (*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEvent(e), nil
}

func (s *Store) GetEventByUID(_ context.Context, calendarID, uid string) (*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.CalendarID == calendarID && e.UID == uid && uid != "" {
			return cloneEvent(e), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListEvents(_ context.Context, calendarID string) ([]*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Event
	for _, e := range s.events {
		if e.CalendarID == calendarID {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

func (s *Store) ListEventsBySyncState(_ context.Context, calendarID string, states ...storage.SyncState) ([]*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[storage.SyncState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []*storage.Event
	for _, e := range s.events {
		if e.CalendarID == calendarID && want[e.SyncState] {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

func (s *Store) UpdateEvent(_ context.Context, e *storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return storage.ErrNotFound
	}
	e.UpdatedAt = time.Now().UTC()
	s.events[e.ID] = cloneEvent(e)
	return nil
}

func (s *Store) UpdateEventIfSequence(_ context.Context, e *storage.Event, expectedSeq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[e.ID]
	if !ok || cur.Sequence != expectedSeq {
		return false, nil
	}
	e.UpdatedAt = time.Now().UTC()
	s.events[e.ID] = cloneEvent(e)
	return true, nil
}

func (s *Store) DeleteEvent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
	return nil
}

func (s *Store) GetMappingByEvent(_ context.Context, eventID int64) (*storage.UIDMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[eventID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) GetMappingByUID(_ context.Context, uid string) (*storage.UIDMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.UID == uid {
			cp := *m
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) PutMapping(_ context.Context, eventID int64, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[eventID] = &storage.UIDMapping{EventID: eventID, UID: uid, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *Store) DeleteMapping(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, eventID)
	return nil
}

func (s *Store) RecordConflict(_ context.Context, c *storage.ConflictLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = int64(len(s.conflicts) + 1)
	c.CreatedAt = time.Now().UTC()
	cp := *c
	s.conflicts = append(s.conflicts, &cp)
	return nil
}

func (s *Store) ListConflicts(_ context.Context, calendarID string, limit int) ([]*storage.ConflictLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.ConflictLog
	for i := len(s.conflicts) - 1; i >= 0; i-- {
		if s.conflicts[i].CalendarID == calendarID {
			cp := *s.conflicts[i]
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
