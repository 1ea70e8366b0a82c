// Package api is the REST surface the client reconciliation engine
// consumes: list-by-parent, create, update-by-id and delete-by-id, each
// answering with the canonical server record. Authentication is a
// static bearer token; session machinery lives outside this service.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"calsyncd/internal/identity"
	"calsyncd/internal/push"
	"calsyncd/internal/storage"
	"calsyncd/pkg/ics"
)

// Syncer triggers orchestrator runs; satisfied by sync.Supervisor.
type Syncer interface {
	Trigger(ctx context.Context, accountID string, force bool) error
	TriggerAll(ctx context.Context, force bool)
}

type Handler struct {
	store  storage.Store
	syncer Syncer
	hub    *push.Hub
	ids    *identity.Service
	token  string
	wsOpts push.ServerOptions
	logger zerolog.Logger
}

func NewHandler(store storage.Store, syncer Syncer, hub *push.Hub, ids *identity.Service, token string, wsOpts push.ServerOptions, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		syncer: syncer,
		hub:    hub,
		ids:    ids,
		token:  token,
		wsOpts: wsOpts,
		logger: logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/push/ws", h.authorized(push.Handler(h.hub, func(r *http.Request) string {
		return r.URL.Query().Get("user")
	}, h.wsOpts, h.logger)))

	mux.Handle("POST /accounts", h.authorized(http.HandlerFunc(h.createAccount)))
	mux.Handle("GET /accounts", h.authorized(http.HandlerFunc(h.listAccounts)))
	mux.Handle("POST /accounts/{id}/sync", h.authorized(http.HandlerFunc(h.triggerSync)))

	mux.Handle("GET /calendars", h.authorized(http.HandlerFunc(h.listCalendars)))
	mux.Handle("GET /calendars/{id}/events", h.authorized(http.HandlerFunc(h.listEvents)))
	mux.Handle("POST /calendars/{id}/events", h.authorized(http.HandlerFunc(h.createEvent)))
	mux.Handle("GET /calendars/{id}/occurrences", h.authorized(http.HandlerFunc(h.listOccurrences)))
	mux.Handle("GET /calendars/{id}/conflicts", h.authorized(http.HandlerFunc(h.listConflicts)))

	mux.Handle("GET /events/{id}", h.authorized(http.HandlerFunc(h.getEvent)))
	mux.Handle("PUT /events/{id}", h.authorized(http.HandlerFunc(h.updateEvent)))
	mux.Handle("DELETE /events/{id}", h.authorized(http.HandlerFunc(h.deleteEvent)))

	return logRequests(h.logger, mux)
}

// authorized checks the static bearer token. WebSocket clients may pass
// it as a query parameter since browsers cannot set headers on upgrade.
func (h *Handler) authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if strings.HasPrefix(got, prefix) {
			got = got[len(prefix):]
		} else {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("encoding response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, identity.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var in AccountInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if in.UserID == "" || in.RemoteURL == "" {
		http.Error(w, "userId and remoteUrl are required", http.StatusBadRequest)
		return
	}

	account := &storage.Account{
		UserID:    in.UserID,
		RemoteURL: in.RemoteURL,
		Username:  in.Username,
		Password:  in.Password,
		Enabled:   true,
	}
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, accountRecord(account))
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]AccountRecord, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountRecord(a))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := h.syncer.Trigger(r.Context(), r.PathValue("id"), force); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) listCalendars(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	cals, err := h.store.ListCalendars(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]CalendarRecord, 0, len(cals))
	for _, c := range cals {
		out = append(out, calendarRecord(c))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]EventRecord, 0, len(events))
	for _, e := range events {
		out = append(out, eventRecord(e))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// listOccurrences expands recurring events into concrete instances
// inside the requested range.
func (h *Handler) listOccurrences(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}

	events, err := h.store.ListEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]OccurrenceRecord, 0, len(events))
	for _, e := range events {
		occs, err := ics.ExpandOccurrences(&ics.Event{
			UID:   e.UID,
			Start: e.Start,
			End:   e.End,
			RRule: e.RecurrenceRule,
		}, from, to)
		if err != nil {
			h.logger.Warn().Err(err).Str("uid", e.UID).Msg("skipping event with bad recurrence rule")
			continue
		}
		for _, occ := range occs {
			out = append(out, OccurrenceRecord{
				ServerKey: e.ID,
				UID:       e.UID,
				Title:     e.Title,
				Start:     occ.Start,
				End:       occ.End,
			})
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	conflicts, err := h.store.ListConflicts(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) createEvent(w http.ResponseWriter, r *http.Request) {
	calendarID := r.PathValue("id")
	cal, err := h.store.GetCalendar(r.Context(), calendarID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var in EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if in.Title == "" || in.Start.IsZero() {
		http.Error(w, "title and start are required", http.StatusBadRequest)
		return
	}
	if err := ics.ValidateRRule(in.Rrule); err != nil {
		http.Error(w, "invalid rrule", http.StatusBadRequest)
		return
	}

	ev := &storage.Event{
		CalendarID: calendarID,
		Status:     storage.StatusConfirmed,
		SyncState:  storage.StateLocal,
	}
	in.apply(ev)

	id, err := h.store.CreateEvent(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ev.ID = id

	h.kickSync(cal.AccountID)
	h.writeJSON(w, http.StatusCreated, eventRecord(ev))
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	ev, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, eventRecord(ev))
}

// updateEvent applies an edit as a new revision: the sequence moves
// forward and the row waits in Pending until the next push upstream.
func (h *Handler) updateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	var in EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := ics.ValidateRRule(in.Rrule); err != nil {
		http.Error(w, "invalid rrule", http.StatusBadRequest)
		return
	}

	ev, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	expected := ev.Sequence
	in.apply(ev)
	ev.Sequence = expected + 1
	if ev.SyncState != storage.StateLocal {
		ev.SyncState = storage.StatePending
	}

	swapped, err := h.store.UpdateEventIfSequence(r.Context(), ev, expected)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !swapped {
		http.Error(w, "concurrent modification", http.StatusConflict)
		return
	}

	if cal, err := h.store.GetCalendar(r.Context(), ev.CalendarID); err == nil {
		h.kickSync(cal.AccountID)
	}
	h.writeJSON(w, http.StatusOK, eventRecord(ev))
}

// deleteEvent cancels: a synced event becomes a pending cancellation
// revision; an event that never left this tier is dropped outright.
func (h *Handler) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	ev, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if ev.SyncState == storage.StateLocal {
		if err := h.store.DeleteEvent(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		if err := h.ids.Release(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	expected := ev.Sequence
	ev.Sequence = expected + 1
	ev.Status = storage.StatusCancelled
	ev.SyncState = storage.StatePending

	swapped, err := h.store.UpdateEventIfSequence(r.Context(), ev, expected)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !swapped {
		http.Error(w, "concurrent modification", http.StatusConflict)
		return
	}

	if cal, err := h.store.GetCalendar(r.Context(), ev.CalendarID); err == nil {
		h.kickSync(cal.AccountID)
	}
	h.writeJSON(w, http.StatusOK, eventRecord(ev))
}

// kickSync nudges the orchestrator so a local write reaches the remote
// side without waiting for the next scheduled run.
func (h *Handler) kickSync(accountID string) {
	if h.syncer == nil {
		return
	}
	if err := h.syncer.Trigger(context.Background(), accountID, false); err != nil {
		h.logger.Debug().Err(err).Str("account", accountID).Msg("sync trigger after write failed")
	}
}
