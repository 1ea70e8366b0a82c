package client

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"calsyncd/internal/api"
	"calsyncd/internal/push"
)

// ServerAPI is the REST slice the engine consumes; *API implements it.
type ServerAPI interface {
	ListEvents(ctx context.Context, calendarID string) ([]api.EventRecord, error)
	GetEvent(ctx context.Context, serverKey int64) (*api.EventRecord, error)
	CreateEvent(ctx context.Context, calendarID string, in api.EventInput) (*api.EventRecord, error)
	UpdateEvent(ctx context.Context, serverKey int64, in api.EventInput) (*api.EventRecord, error)
	DeleteEvent(ctx context.Context, serverKey int64) (*api.EventRecord, error)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Pulled    int
	Pushed    int
	Purged    int
	Conflicts int
}

// Engine reconciles the device cache against the server. All passes
// for one engine are serialized; the diff and conflict decision for a
// given record never interleave with another pass.
type Engine struct {
	cache  *Cache
	api    ServerAPI
	logger zerolog.Logger

	mu sync.Mutex
}

func NewEngine(cache *Cache, serverAPI ServerAPI, logger zerolog.Logger) *Engine {
	return &Engine{cache: cache, api: serverAPI, logger: logger}
}

func (e *Engine) Cache() *Cache { return e.cache }

// CreateLocal records a UI-created event as provisional and pending.
func (e *Engine) CreateLocal(r *Record) RecordID {
	r.ID = RecordID{}
	r.Pending = true
	r.Sequence = 0
	return e.cache.Insert(r)
}

// UpdateLocal applies an edit as a new pending revision. The old record
// is replaced, never mutated, so an in-flight read keeps a consistent
// snapshot.
func (e *Engine) UpdateLocal(id RecordID, mutate func(*Record)) (RecordID, error) {
	cur, ok := e.cache.Get(id)
	if !ok {
		return RecordID{}, errors.New("client: no such record")
	}
	mutate(cur)
	cur.ID = id
	cur.Sequence++
	cur.Pending = true
	return e.cache.Replace(id, cur), nil
}

// DeleteLocal marks a confirmed record as a pending cancellation; a
// provisional record that never reached the server just disappears.
func (e *Engine) DeleteLocal(id RecordID) error {
	cur, ok := e.cache.Get(id)
	if !ok {
		return errors.New("client: no such record")
	}
	if id.IsProvisional() {
		e.cache.Delete(id)
		return nil
	}
	cur.Status = "CANCELLED"
	cur.Sequence++
	cur.Pending = true
	e.cache.Replace(id, cur)
	return nil
}

// Reconcile runs one full pull/push/purge pass for a calendar.
func (e *Engine) Reconcile(ctx context.Context, calendarID string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &Result{}

	remote, err := e.api.ListEvents(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	seen := make(map[RecordID]bool, len(remote))
	for i := range remote {
		rec := &remote[i]
		id := e.applyServer(rec, res)
		if !id.IsZero() {
			seen[id] = true
		}
	}

	if err := e.pushPending(ctx, calendarID, seen, res); err != nil {
		return nil, err
	}

	// anything confirmed, not pending and absent from the pull was
	// deleted remotely
	for _, local := range e.cache.List(calendarID) {
		if local.Pending || local.ID.IsProvisional() || seen[local.ID] {
			continue
		}
		e.cache.Delete(local.ID)
		res.Purged++
	}

	return res, nil
}

// applyServer folds one server record into the cache. Server truth
// wins unless a local pending write has not been superseded yet.
func (e *Engine) applyServer(rec *api.EventRecord, res *Result) RecordID {
	local, ok := e.cache.GetByServerKey(rec.ServerKey)
	if !ok {
		// covers the window between local creation and key assignment
		local, ok = e.cache.GetByUID(rec.UID)
	}

	if ok {
		if local.Pending && local.Sequence >= rec.Sequence {
			// local pending and not yet superseded by a resync wins
			return local.ID
		}
		if local.Pending {
			res.Conflicts++
			e.logger.Warn().
				Str("uid", rec.UID).
				Int64("local_seq", local.Sequence).
				Int64("server_seq", rec.Sequence).
				Msg("pending local edit superseded by server revision")
		}
		id := e.cache.Replace(local.ID, fromServer(rec))
		res.Pulled++
		return id
	}

	id := e.cache.Insert(fromServer(rec))
	res.Pulled++
	return id
}

func (e *Engine) pushPending(ctx context.Context, calendarID string, seen map[RecordID]bool, res *Result) error {
	for _, rec := range e.cache.ListPending(calendarID) {
		var err error
		switch {
		case rec.ID.IsProvisional():
			err = e.pushCreate(ctx, rec, seen, res)
		case rec.Status == "CANCELLED":
			err = e.pushDelete(ctx, rec, seen, res)
		default:
			err = e.pushUpdate(ctx, rec, seen, res)
		}
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return err
			}
			// per-record failures never abort the pass
			e.logger.Error().Err(err).Str("record", rec.ID.String()).Msg("push failed")
		}
	}
	return nil
}

func (e *Engine) pushCreate(ctx context.Context, rec *Record, seen map[RecordID]bool, res *Result) error {
	created, err := e.api.CreateEvent(ctx, rec.CalendarID, toInput(rec))
	if err != nil {
		return err
	}
	// the provisional record dies here; the canonical server record
	// takes its place
	id := e.cache.Replace(rec.ID, fromServer(created))
	seen[id] = true
	res.Pushed++
	return nil
}

func (e *Engine) pushUpdate(ctx context.Context, rec *Record, seen map[RecordID]bool, res *Result) error {
	updated, err := e.api.UpdateEvent(ctx, rec.ID.Key(), toInput(rec))
	if errors.Is(err, ErrConflict) {
		// the row moved server-side; fetch the winner and fold it in
		fresh, getErr := e.api.GetEvent(ctx, rec.ID.Key())
		if getErr != nil {
			return getErr
		}
		id := e.cache.Replace(rec.ID, fromServer(fresh))
		seen[id] = true
		res.Conflicts++
		return nil
	}
	if err != nil {
		return err
	}
	id := e.cache.Replace(rec.ID, fromServer(updated))
	seen[id] = true
	res.Pushed++
	return nil
}

func (e *Engine) pushDelete(ctx context.Context, rec *Record, seen map[RecordID]bool, res *Result) error {
	cancelled, err := e.api.DeleteEvent(ctx, rec.ID.Key())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if cancelled != nil {
		id := e.cache.Replace(rec.ID, fromServer(cancelled))
		seen[id] = true
	} else {
		e.cache.Delete(rec.ID)
	}
	res.Pushed++
	return nil
}

// Bind subscribes the engine to push notifications: any event message
// schedules a reconcile pass, coalescing bursts into a single run.
func (e *Engine) Bind(ctx context.Context, pc *push.Client, calendarID string) func() {
	kick := make(chan struct{}, 1)

	unsub := pc.Subscribe(push.TypeEvent, func(push.Message) {
		select {
		case kick <- struct{}{}:
		default:
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
				if _, err := e.Reconcile(ctx, calendarID); err != nil {
					e.logger.Warn().Err(err).Msg("push-triggered reconcile failed")
				}
			}
		}
	}()

	return unsub
}

func fromServer(rec *api.EventRecord) *Record {
	return &Record{
		ID:           Confirmed(rec.ServerKey),
		UID:          rec.UID,
		CalendarID:   rec.CalendarID,
		Title:        rec.Title,
		Description:  rec.Description,
		Location:     rec.Location,
		Start:        rec.Start,
		End:          rec.End,
		AllDay:       rec.AllDay,
		Timezone:     rec.Timezone,
		Rrule:        rec.Rrule,
		Attendees:    rec.Attendees,
		Resources:    rec.Resources,
		Sequence:     rec.Sequence,
		Status:       rec.Status,
		VersionToken: rec.VersionToken,
	}
}

func toInput(r *Record) api.EventInput {
	return api.EventInput{
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		Start:       r.Start,
		End:         r.End,
		AllDay:      r.AllDay,
		Timezone:    r.Timezone,
		Rrule:       r.Rrule,
		Attendees:   r.Attendees,
		Resources:   r.Resources,
	}
}
