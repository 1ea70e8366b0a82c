package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsyncd/internal/identity"
	"calsyncd/internal/push"
	"calsyncd/internal/storage"
	"calsyncd/internal/storage/memory"
)

type fakeSyncer struct {
	triggers atomic.Int32
}

func (f *fakeSyncer) Trigger(context.Context, string, bool) error {
	f.triggers.Add(1)
	return nil
}

func (f *fakeSyncer) TriggerAll(context.Context, bool) {}

type testAPI struct {
	store   *memory.Store
	syncer  *fakeSyncer
	hub     *push.Hub
	srv     *httptest.Server
	account *storage.Account
	cal     *storage.Calendar
}

func newTestAPI(t *testing.T, token string) *testAPI {
	t.Helper()
	store := memory.New()
	syncer := &fakeSyncer{}
	hub := push.NewHub(16, zerolog.Nop())
	t.Cleanup(hub.Close)
	ids := identity.NewService(store, "calsyncd.local", zerolog.Nop())

	account := &storage.Account{UserID: "alice", RemoteURL: "https://dav.example.com/", Enabled: true}
	require.NoError(t, store.CreateAccount(context.Background(), account))
	cal := &storage.Calendar{AccountID: account.ID, URI: "work", RemoteURL: "/cal/work/", DisplayName: "Work"}
	require.NoError(t, store.UpsertCalendar(context.Background(), cal))

	h := NewHandler(store, syncer, hub, ids, token, push.ServerOptions{}, zerolog.Nop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &testAPI{store: store, syncer: syncer, hub: hub, srv: srv, account: account, cal: cal}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func eventInput(title string) EventInput {
	return EventInput{
		Title: title,
		Start: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, "")
	resp := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	a := newTestAPI(t, "sekrit")

	resp := a.do(t, http.MethodGet, "/calendars", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/calendars", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekrit")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	// query fallback for websocket upgrades
	qr := a.do(t, http.MethodGet, "/calendars?token=sekrit", nil, nil)
	assert.Equal(t, http.StatusOK, qr.StatusCode)
}

func TestEventLifecycle(t *testing.T) {
	a := newTestAPI(t, "")

	var created EventRecord
	resp := a.do(t, http.MethodPost, "/calendars/"+a.cal.ID+"/events", eventInput("kickoff"), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotZero(t, created.ServerKey)
	assert.EqualValues(t, 0, created.Sequence)
	assert.Equal(t, string(storage.StateLocal), created.SyncState)
	assert.EqualValues(t, 1, a.syncer.triggers.Load(), "create kicks a sync")

	key := created.ServerKey
	idStr := "/events/" + itoa(key)

	var afterFirst, afterSecond EventRecord
	resp = a.do(t, http.MethodPut, idStr, eventInput("kickoff v2"), &afterFirst)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, afterFirst.Sequence)

	resp = a.do(t, http.MethodPut, idStr, eventInput("kickoff v3"), &afterSecond)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, afterSecond.Sequence)

	// a synced row degrades to pending on edit; a local one stays local
	assert.Equal(t, string(storage.StateLocal), afterSecond.SyncState)

	var cancelled EventRecord
	ev, err := a.store.GetEvent(context.Background(), key)
	require.NoError(t, err)
	ev.SyncState = storage.StateSynced
	require.NoError(t, a.store.UpdateEvent(context.Background(), ev))

	resp = a.do(t, http.MethodDelete, idStr, nil, &cancelled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, cancelled.Sequence, "two updates plus cancel on a zero base")
	assert.Equal(t, string(storage.StatusCancelled), cancelled.Status)
	assert.Equal(t, string(storage.StatePending), cancelled.SyncState)
}

func TestDeleteLocalEventDropsRow(t *testing.T) {
	a := newTestAPI(t, "")

	var created EventRecord
	a.do(t, http.MethodPost, "/calendars/"+a.cal.ID+"/events", eventInput("scratch"), &created)

	resp := a.do(t, http.MethodDelete, "/events/"+itoa(created.ServerKey), nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := a.store.GetEvent(context.Background(), created.ServerKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListEventsByCalendar(t *testing.T) {
	a := newTestAPI(t, "")
	a.do(t, http.MethodPost, "/calendars/"+a.cal.ID+"/events", eventInput("one"), nil)
	a.do(t, http.MethodPost, "/calendars/"+a.cal.ID+"/events", eventInput("two"), nil)

	var events []EventRecord
	resp := a.do(t, http.MethodGet, "/calendars/"+a.cal.ID+"/events", nil, &events)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, events, 2)
}

func TestListOccurrencesExpandsRecurring(t *testing.T) {
	a := newTestAPI(t, "")

	in := eventInput("weekly")
	in.Rrule = "FREQ=WEEKLY;COUNT=3"
	var created EventRecord
	resp := a.do(t, http.MethodPost, "/calendars/"+a.cal.ID+"/events", in, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var occs []OccurrenceRecord
	resp = a.do(t, http.MethodGet,
		"/calendars/"+a.cal.ID+"/occurrences?from=2026-08-01T00:00:00Z&to=2026-10-01T00:00:00Z",
		nil, &occs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, occs, 3)
}

func TestCreateEventValidation(t *testing.T) {
	a := newTestAPI(t, "")

	resp := a.do(t, http.MethodPost, "/calendars/"+a.cal.ID+"/events", EventInput{Title: "no start"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := eventInput("bad rule")
	bad.Rrule = "FREQ=NEVERISH"
	resp = a.do(t, http.MethodPost, "/calendars/"+a.cal.ID+"/events", bad, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/calendars/nope/events", eventInput("orphan"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetEventNotFound(t *testing.T) {
	a := newTestAPI(t, "")
	resp := a.do(t, http.MethodGet, "/events/9999", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// The upgrade must succeed through the full handler chain, logging
// wrapper included, not just against a bare push handler.
func TestPushEndpointUpgradesThroughRoutes(t *testing.T) {
	a := newTestAPI(t, "sekrit")

	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/push/ws?user=alice&token=sekrit"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "websocket upgrade failed")
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return a.hub.SessionCount("alice") == 1 },
		2*time.Second, 10*time.Millisecond)

	msg, err := push.NewMessage(push.TypeEvent, push.ActionCreated, nil)
	require.NoError(t, err)
	require.True(t, a.hub.Broadcast("alice", msg))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got push.Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, push.TypeEvent, got.Type)
	assert.Equal(t, push.ActionCreated, got.Action)
}

func TestTriggerSyncEndpoint(t *testing.T) {
	a := newTestAPI(t, "")
	resp := a.do(t, http.MethodPost, "/accounts/"+a.account.ID+"/sync?force=true", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 1, a.syncer.triggers.Load())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
