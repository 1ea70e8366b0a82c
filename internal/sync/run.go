package sync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	stdsync "sync"
	"time"

	"calsyncd/internal/caldav"
	"calsyncd/internal/identity"
	"calsyncd/internal/push"
	"calsyncd/internal/storage"
)

// Outcome summarizes one orchestrator run.
type Outcome struct {
	AccountID        string
	Took             time.Duration
	CalendarsSkipped int
	CalendarsSynced  int
	CalendarsFailed  int
	Pulled           int
	Pushed           int
	Purged           int
	Conflicts        int
	Malformed        int
}

// calResult is the per-calendar slice of an outcome plus the push
// messages to emit once the whole run is done.
type calResult struct {
	skipped   bool
	pulled    int
	pushed    int
	purged    int
	conflicts int
	malformed int
	msgs      []push.Message
}

func (s *Supervisor) runOnce(parent context.Context, accountID string, force bool) (*Outcome, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunBudget)
	defer cancel()

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}

	remote, err := s.factory(account)
	if err != nil {
		return nil, fmt.Errorf("build remote client: %w", err)
	}

	remoteCals, err := s.discoverCalendars(ctx, remote, account, force)
	if err != nil {
		if serr := s.store.UpdateAccountStatus(ctx, account.ID, "error", err.Error(), nil); serr != nil {
			s.logger.Warn().Err(serr).Str("account", account.ID).Msg("recording discovery failure")
		}
		return nil, fmt.Errorf("discover calendars: %w", err)
	}

	cals, ctags, err := s.materializeCalendars(ctx, account, remoteCals)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{AccountID: account.ID}
	var msgs []push.Message
	var failures int

	// per-calendar processing is independent; one calendar's failure
	// never aborts the others
	var wg stdsync.WaitGroup
	var mu stdsync.Mutex
	sem := make(chan struct{}, s.parallelism())

	for i := range cals {
		cal, remoteCTag := cals[i], ctags[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.syncCalendar(ctx, remote, cal, remoteCTag, force)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				outcome.CalendarsFailed++
				s.logger.Error().Err(err).Str("calendar", cal.ID).Msg("calendar sync failed")
				if serr := s.store.UpdateCalendarStatus(ctx, cal.ID, "error", err.Error(), nil); serr != nil {
					s.logger.Warn().Err(serr).Str("calendar", cal.ID).Msg("recording calendar failure")
				}
				return
			}
			if res.skipped {
				outcome.CalendarsSkipped++
			} else {
				outcome.CalendarsSynced++
			}
			outcome.Pulled += res.pulled
			outcome.Pushed += res.pushed
			outcome.Purged += res.purged
			outcome.Conflicts += res.conflicts
			outcome.Malformed += res.malformed
			msgs = append(msgs, res.msgs...)
		}()
	}
	wg.Wait()

	// batched emission keeps a big run from becoming a broadcast storm
	if len(msgs) > 0 && s.hub != nil {
		s.hub.Broadcast(account.UserID, msgs...)
	}

	now := time.Now()
	status, lastErr := "ok", ""
	if failures > 0 {
		status, lastErr = "error", fmt.Sprintf("%d of %d calendars failed", failures, len(cals))
	}
	if err := s.store.UpdateAccountStatus(ctx, account.ID, status, lastErr, &now); err != nil {
		s.logger.Error().Err(err).Str("account", account.ID).Msg("recording run outcome")
	}

	outcome.Took = time.Since(started)
	return outcome, nil
}

func (s *Supervisor) parallelism() int {
	if s.cfg.CalendarParallelism > 0 {
		return s.cfg.CalendarParallelism
	}
	return 1
}

func (s *Supervisor) discoverCalendars(ctx context.Context, remote Remote, account *storage.Account, force bool) ([]caldav.RemoteCalendar, error) {
	if !force {
		if cals, ok := s.discovery.Get(account.ID); ok {
			return cals, nil
		}
	}
	cals, err := remote.Discover(ctx)
	if err != nil {
		return nil, err
	}
	s.discovery.Set(account.ID, cals)
	return cals, nil
}

// materializeCalendars upserts a store row per discovered calendar and
// returns the rows paired with the freshly observed ctags.
func (s *Supervisor) materializeCalendars(ctx context.Context, account *storage.Account, remoteCals []caldav.RemoteCalendar) ([]*storage.Calendar, []string, error) {
	var cals []*storage.Calendar
	var ctags []string

	for _, rc := range remoteCals {
		cal, err := s.store.GetCalendarByRemoteURL(ctx, account.ID, rc.Href)
		if errors.Is(err, storage.ErrNotFound) {
			cal = &storage.Calendar{
				AccountID:   account.ID,
				URI:         path.Base(strings.TrimSuffix(rc.Href, "/")),
				DisplayName: rc.DisplayName.OrElse(path.Base(strings.TrimSuffix(rc.Href, "/"))),
				Color:       rc.Color.OrElse(""),
				RemoteURL:   rc.Href,
				Status:      "ok",
			}
			if err := s.store.UpsertCalendar(ctx, cal); err != nil {
				return nil, nil, fmt.Errorf("upsert calendar %s: %w", rc.Href, err)
			}
		} else if err != nil {
			return nil, nil, err
		} else {
			if name, ok := rc.DisplayName.Get(); ok && name != cal.DisplayName {
				cal.DisplayName = name
			}
			if color, ok := rc.Color.Get(); ok && color != cal.Color {
				cal.Color = color
			}
			if err := s.store.UpsertCalendar(ctx, cal); err != nil {
				return nil, nil, fmt.Errorf("upsert calendar %s: %w", rc.Href, err)
			}
		}
		cals = append(cals, cal)
		ctags = append(ctags, rc.CTag)
	}
	return cals, ctags, nil
}

func (s *Supervisor) syncCalendar(ctx context.Context, remote Remote, cal *storage.Calendar, remoteCTag string, force bool) (*calResult, error) {
	res := &calResult{}

	// unchanged ctag means no member event changed; the expensive
	// per-event diff is skipped entirely
	pull := force || remoteCTag == "" || remoteCTag != cal.CTag
	if pull {
		if err := s.pullCalendar(ctx, remote, cal, force, res); err != nil {
			return nil, err
		}
	} else {
		res.skipped = true
	}

	// local writes are pushed even when the remote side is unchanged
	if err := s.pushCalendar(ctx, remote, cal, res); err != nil {
		return nil, err
	}

	if pull || res.pushed > 0 {
		ctag := remoteCTag
		if res.pushed > 0 {
			// our own writes moved the collection token; store the fresh
			// one so the next run can take the fast path
			if fresh, err := remote.GetCTag(ctx, cal.RemoteURL); err == nil && fresh != "" {
				ctag = fresh
			}
		}
		if ctag != "" && ctag != cal.CTag {
			if err := s.store.UpdateCalendarCTag(ctx, cal.ID, ctag); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now()
	if err := s.store.UpdateCalendarStatus(ctx, cal.ID, "ok", "", &now); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Supervisor) window() caldav.Window {
	return caldav.Window{Past: s.cfg.WindowPast, Future: s.cfg.WindowFuture}
}

// pullCalendar applies remote truth to the store, guarded by the
// sequence rule: a remote representation older than the local one is a
// stale fetch and never overwrites.
func (s *Supervisor) pullCalendar(ctx context.Context, remote Remote, cal *storage.Calendar, force bool, res *calResult) error {
	objs, err := remote.ListObjects(ctx, cal.RemoteURL, s.window())
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(objs))
	for _, obj := range objs {
		ev, err := s.codec.Decode(obj.Data)
		if err != nil {
			// one unparseable payload never aborts the calendar
			res.malformed++
			s.logger.Warn().Err(err).Str("href", obj.Href).Msg("skipping malformed remote payload")
			continue
		}
		seen[ev.UID] = true

		local, err := s.store.GetEventByUID(ctx, cal.ID, ev.UID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if err := s.adoptRemote(ctx, cal, ev, obj, res); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := s.mergeRemote(ctx, cal, local, ev, obj, force, res); err != nil {
				return err
			}
		}
	}

	return s.purgeAbsent(ctx, cal, seen, res)
}

// adoptRemote stores a remote event we have never seen before.
func (s *Supervisor) adoptRemote(ctx context.Context, cal *storage.Calendar, ev *icsEvent, obj caldav.Object, res *calResult) error {
	rec := fromICS(ev)
	rec.CalendarID = cal.ID
	rec.SyncState = storage.StateSynced
	rec.VersionToken = obj.ETag
	rec.RemoteURL = obj.Href
	rec.RawPayload = obj.Data

	id, err := s.store.CreateEvent(ctx, rec)
	if err != nil {
		return err
	}
	if _, err := s.ids.Validate(ctx, id, ev.UID); err != nil {
		if errors.Is(err, identity.ErrConflict) {
			// fatal for this entity only; surfaced, never silently resolved
			s.logger.Error().Err(err).Str("uid", ev.UID).Int64("event", id).Msg("identity conflict on remote adopt")
			rec.ID = id
			rec.SyncState = storage.StateError
			if uerr := s.store.UpdateEvent(ctx, rec); uerr != nil {
				s.logger.Warn().Err(uerr).Int64("event", id).Msg("marking identity conflict")
			}
			return nil
		}
		return err
	}

	res.pulled++
	res.msgs = append(res.msgs, changeMessage(push.ActionCreated, id, ev.UID, cal.ID, rec.Sequence))
	return nil
}

// mergeRemote reconciles a remote representation with an existing row.
func (s *Supervisor) mergeRemote(ctx context.Context, cal *storage.Calendar, local *storage.Event, ev *icsEvent, obj caldav.Object, force bool, res *calResult) error {
	// cheap fast path: same etag as last seen
	if !force && local.VersionToken != "" && local.VersionToken == obj.ETag {
		return nil
	}

	locallyPending := local.SyncState == storage.StateLocal || local.SyncState == storage.StatePending

	switch {
	case ev.Sequence < local.Sequence:
		// stale fetch; local state is ahead
		s.logger.Debug().Str("uid", ev.UID).
			Int64("remote_seq", ev.Sequence).
			Int64("local_seq", local.Sequence).
			Msg("ignoring stale remote representation")
		return nil

	case ev.Sequence == local.Sequence && locallyPending:
		// same revision but a local edit is waiting; the push phase will
		// raise the sequence
		return nil

	case ev.Sequence > local.Sequence && locallyPending:
		// both sides changed since the last common state: most recent
		// committed sequence wins, the losing edit goes to the audit trail
		if err := s.recordConflict(ctx, cal.ID, local, ev, "remote"); err != nil {
			return err
		}
		res.conflicts++
	}

	updated := fromICS(ev)
	updated.ID = local.ID
	updated.CalendarID = cal.ID
	updated.SyncState = storage.StateSynced
	updated.VersionToken = obj.ETag
	updated.RemoteURL = obj.Href
	updated.RawPayload = obj.Data

	swapped, err := s.store.UpdateEventIfSequence(ctx, updated, local.Sequence)
	if err != nil {
		return err
	}
	if !swapped {
		// a concurrent local write moved the row; the next run settles it
		return nil
	}

	res.pulled++
	action := push.ActionUpdated
	if ev.Cancelled {
		action = push.ActionStatusChange
	}
	res.msgs = append(res.msgs, changeMessage(action, local.ID, ev.UID, cal.ID, ev.Sequence))
	return nil
}

// purgeAbsent drops synced events inside the query window that the
// remote listing no longer returns.
func (s *Supervisor) purgeAbsent(ctx context.Context, cal *storage.Calendar, seen map[string]bool, res *calResult) error {
	locals, err := s.store.ListEvents(ctx, cal.ID)
	if err != nil {
		return err
	}

	now := time.Now()
	winStart, winEnd := now.Add(-s.cfg.WindowPast), now.Add(s.cfg.WindowFuture)

	for _, local := range locals {
		if seen[local.UID] || local.SyncState != storage.StateSynced || local.RemoteURL == "" {
			continue
		}
		// recurring events may simply have no occurrence in the window
		if local.RecurrenceRule != "" {
			continue
		}
		if !local.Start.Before(winEnd) || !local.End.After(winStart) {
			continue
		}

		if err := s.store.DeleteEvent(ctx, local.ID); err != nil {
			return err
		}
		if err := s.ids.Release(ctx, local.ID); err != nil {
			return err
		}
		res.purged++
		res.msgs = append(res.msgs, changeMessage(push.ActionDeleted, local.ID, local.UID, cal.ID, local.Sequence))
	}
	return nil
}

// pushCalendar sends local-only and pending writes upstream.
func (s *Supervisor) pushCalendar(ctx context.Context, remote Remote, cal *storage.Calendar, res *calResult) error {
	pending, err := s.store.ListEventsBySyncState(ctx, cal.ID, storage.StateLocal, storage.StatePending)
	if err != nil {
		return err
	}

	for _, ev := range pending {
		var pushErr error
		switch {
		case ev.SyncState == storage.StateLocal:
			pushErr = s.createRemote(ctx, remote, cal, ev, res)
		case ev.Status == storage.StatusCancelled:
			pushErr = s.cancelRemote(ctx, remote, cal, ev, res)
		default:
			pushErr = s.updateRemote(ctx, remote, cal, ev, res)
		}
		if pushErr != nil {
			if errors.Is(pushErr, caldav.ErrUnavailable) {
				return pushErr
			}
			// per-entity failures never abort the calendar
			s.logger.Error().Err(pushErr).Int64("event", ev.ID).Str("uid", ev.UID).Msg("push failed")
			ev.SyncState = storage.StateError
			if uerr := s.store.UpdateEvent(ctx, ev); uerr != nil {
				s.logger.Warn().Err(uerr).Int64("event", ev.ID).Msg("marking push failure")
			}
		}
	}
	return nil
}

// createRemote promotes a Local entity: identity is settled first, the
// object is created remotely, then the row becomes Synced with the
// server-issued version token.
func (s *Supervisor) createRemote(ctx context.Context, remote Remote, cal *storage.Calendar, ev *storage.Event, res *calResult) error {
	uid, err := s.ids.Validate(ctx, ev.ID, ev.UID)
	if err != nil {
		return err
	}

	icsEv := toICS(ev)
	icsEv.UID = uid
	data, err := s.codec.Encode(icsEv, "")
	if err != nil {
		return err
	}

	href := joinHref(cal.RemoteURL, uid+".ics")
	etag, err := remote.PutObject(ctx, href, "", data)
	if errors.Is(err, caldav.ErrPreconditionFailed) {
		// a previous run created the object but died before recording it
		obj, getErr := remote.GetObject(ctx, href)
		if getErr != nil {
			return getErr
		}
		if data, err = s.codec.Update(obj.Data, icsEv); err != nil {
			return err
		}
		if etag, err = remote.PutObject(ctx, href, obj.ETag, data); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	committed, err := s.codec.Decode(data)
	if err != nil {
		return err
	}

	updated := *ev
	updated.UID = uid
	updated.Sequence = committed.Sequence
	updated.SyncState = storage.StateSynced
	updated.VersionToken = etag
	updated.RemoteURL = href
	updated.RawPayload = data

	swapped, err := s.store.UpdateEventIfSequence(ctx, &updated, ev.Sequence)
	if err != nil {
		return err
	}
	if swapped {
		res.pushed++
		res.msgs = append(res.msgs, changeMessage(push.ActionCreated, ev.ID, uid, cal.ID, updated.Sequence))
	}
	return nil
}

// updateRemote pushes a Pending edit guarded by the stored version
// token. On a precondition failure the single event is re-pulled, the
// local delta re-applied if still the newer revision, and the write
// retried exactly once before the conflict is surfaced.
func (s *Supervisor) updateRemote(ctx context.Context, remote Remote, cal *storage.Calendar, ev *storage.Event, res *calResult) error {
	uid, err := s.ids.Validate(ctx, ev.ID, ev.UID)
	if err != nil {
		return err
	}

	icsEv := toICS(ev)
	icsEv.UID = uid
	data, err := s.render(icsEv, ev.RawPayload)
	if err != nil {
		return err
	}

	etag, err := remote.PutObject(ctx, ev.RemoteURL, ev.VersionToken, data)
	if errors.Is(err, caldav.ErrPreconditionFailed) {
		obj, getErr := remote.GetObject(ctx, ev.RemoteURL)
		if getErr != nil {
			return getErr
		}
		remoteEv, decErr := s.codec.Decode(obj.Data)
		if decErr != nil {
			return decErr
		}

		if remoteEv.Sequence > ev.Sequence {
			// the remote side moved past us while we were editing
			if err := s.recordConflict(ctx, cal.ID, ev, remoteEv, "remote"); err != nil {
				return err
			}
			res.conflicts++
			return s.applyRemoteObject(ctx, cal, ev, remoteEv, obj, res)
		}

		// still the newer revision: re-apply on top of the fresh copy and
		// retry once
		if data, err = s.codec.Update(obj.Data, icsEv); err != nil {
			return err
		}
		etag, err = remote.PutObject(ctx, ev.RemoteURL, obj.ETag, data)
		if errors.Is(err, caldav.ErrPreconditionFailed) {
			if err := s.recordConflict(ctx, cal.ID, ev, remoteEv, "remote"); err != nil {
				return err
			}
			res.conflicts++
			return fmt.Errorf("event %d: %w", ev.ID, ErrSyncConflict)
		}
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	committed, err := s.codec.Decode(data)
	if err != nil {
		return err
	}

	updated := *ev
	updated.UID = uid
	updated.Sequence = committed.Sequence
	updated.SyncState = storage.StateSynced
	updated.VersionToken = etag
	updated.RawPayload = data

	swapped, err := s.store.UpdateEventIfSequence(ctx, &updated, ev.Sequence)
	if err != nil {
		return err
	}
	if swapped {
		res.pushed++
		res.msgs = append(res.msgs, changeMessage(push.ActionUpdated, ev.ID, uid, cal.ID, updated.Sequence))
	}
	return nil
}

// cancelRemote pushes the cancellation revision, removes the remote
// object and only then drops the local row. The UID mapping is
// released but the token is never reissued.
func (s *Supervisor) cancelRemote(ctx context.Context, remote Remote, cal *storage.Calendar, ev *storage.Event, res *calResult) error {
	data, err := s.renderCancel(ev)
	if err != nil {
		return err
	}

	etag, err := remote.PutObject(ctx, ev.RemoteURL, ev.VersionToken, data)
	if err != nil && !errors.Is(err, caldav.ErrNotFound) {
		if errors.Is(err, caldav.ErrPreconditionFailed) {
			// somebody else touched it; send the cancel unconditionally on
			// top of whatever is there now
			obj, getErr := remote.GetObject(ctx, ev.RemoteURL)
			if getErr != nil && !errors.Is(getErr, caldav.ErrNotFound) {
				return getErr
			}
			if obj != nil {
				if data, err = s.codec.Cancel(obj.Data, ev.UID); err != nil {
					return err
				}
				if etag, err = remote.PutObject(ctx, ev.RemoteURL, obj.ETag, data); err != nil {
					return err
				}
			}
		} else {
			return err
		}
	}

	if err := remote.DeleteObject(ctx, ev.RemoteURL, etag); err != nil && !errors.Is(err, caldav.ErrNotFound) {
		return err
	}

	if err := s.store.DeleteEvent(ctx, ev.ID); err != nil {
		return err
	}
	if err := s.ids.Release(ctx, ev.ID); err != nil {
		return err
	}

	res.pushed++
	res.msgs = append(res.msgs, changeMessage(push.ActionDeleted, ev.ID, ev.UID, cal.ID, ev.Sequence))
	return nil
}

// render produces the outgoing ICS text, preferring an incremental
// update against the last known payload so unknown properties survive.
func (s *Supervisor) render(icsEv *icsEvent, raw []byte) ([]byte, error) {
	if len(raw) > 0 {
		return s.codec.Update(raw, icsEv)
	}
	return s.codec.Encode(icsEv, "")
}

func (s *Supervisor) renderCancel(ev *storage.Event) ([]byte, error) {
	if len(ev.RawPayload) > 0 {
		return s.codec.Cancel(ev.RawPayload, ev.UID)
	}
	icsEv := toICS(ev)
	icsEv.Cancelled = true
	return s.codec.Encode(icsEv, "")
}

func joinHref(base, name string) string {
	if strings.HasSuffix(base, "/") {
		return base + name
	}
	return base + "/" + name
}
