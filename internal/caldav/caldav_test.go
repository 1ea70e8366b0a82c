package caldav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", "alice", "secret", zerolog.Nop())
	require.NoError(t, err)
	return c
}

func multistatusBody(inner string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" ` +
		`xmlns:A="http://apple.com/ns/ical/" xmlns:CS="http://calendarserver.org/ns/">` +
		inner + `</D:multistatus>`
}

func okResponse(href, props string) string {
	return `<D:response><D:href>` + href + `</D:href><D:propstat><D:prop>` + props +
		`</D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response>`
}

func TestDiscoverChain(t *testing.T) {
	var sawAuth bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		sawAuth = ok && user == "alice" && pass == "secret"

		if r.Method != "PROPFIND" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)

		switch r.URL.Path {
		case "/.well-known/caldav":
			io.WriteString(w, multistatusBody(okResponse("/.well-known/caldav",
				`<D:current-user-principal><D:href>/principals/alice/</D:href></D:current-user-principal>`)))
		case "/principals/alice/":
			io.WriteString(w, multistatusBody(okResponse("/principals/alice/",
				`<C:calendar-home-set><D:href>/calendars/alice/</D:href></C:calendar-home-set>`)))
		case "/calendars/alice/":
			assert.Equal(t, "1", r.Header.Get("Depth"))
			io.WriteString(w, multistatusBody(
				okResponse("/calendars/alice/",
					`<D:resourcetype><D:collection/></D:resourcetype>`)+
					okResponse("/calendars/alice/work/",
						`<D:resourcetype><D:collection/><C:calendar/></D:resourcetype>`+
							`<D:displayname>Work</D:displayname>`+
							`<A:calendar-color>#ff0000</A:calendar-color>`+
							`<CS:getctag>ctag-1</CS:getctag>`)+
					okResponse("/calendars/alice/personal/",
						`<D:resourcetype><D:collection/><C:calendar/></D:resourcetype>`)))
		default:
			io.WriteString(w, multistatusBody(""))
		}
	})

	c := newTestClient(t, handler)
	cals, err := c.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, cals, 2)
	assert.True(t, sawAuth, "requests must carry basic auth")

	assert.Equal(t, "/calendars/alice/work/", cals[0].Href)
	assert.Equal(t, "ctag-1", cals[0].CTag)
	assert.Equal(t, "Work", cals[0].DisplayName.MustGet())
	assert.Equal(t, "#ff0000", cals[0].Color.MustGet())

	assert.Equal(t, "/calendars/alice/personal/", cals[1].Href)
	assert.True(t, cals[1].DisplayName.IsAbsent())
}

func TestDiscoverFallsBackToDirectProbe(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/caldav" || r.URL.Path == "/" {
			// no principal advertised anywhere
			w.WriteHeader(http.StatusMultiStatus)
			body := multistatusBody(okResponse(r.URL.Path,
				`<D:resourcetype><D:collection/><C:calendar/></D:resourcetype><CS:getctag>direct</CS:getctag>`))
			io.WriteString(w, body)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(t, handler)
	cals, err := c.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, "direct", cals[0].CTag)
}

func TestGetCTag(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PROPFIND", r.Method)
		assert.Equal(t, "0", r.Header.Get("Depth"))
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, multistatusBody(okResponse("/cal/", `<CS:getctag>abc123</CS:getctag>`)))
	})

	c := newTestClient(t, handler)
	ctag, err := c.GetCTag(context.Background(), "/cal/")
	require.NoError(t, err)
	assert.Equal(t, "abc123", ctag)
}

func TestListObjects(t *testing.T) {
	ics := "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:a\r\nEND:VEVENT\r\nEND:VCALENDAR"

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "REPORT", r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "calendar-query")
		assert.Contains(t, string(body), "time-range")

		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, multistatusBody(
			okResponse("/cal/a.ics",
				`<D:getetag>"v1"</D:getetag><C:calendar-data>`+ics+`</C:calendar-data>`)+
				// 404 propstat entries must be skipped
				`<D:response><D:href>/cal/gone.ics</D:href><D:propstat><D:prop/>`+
				`<D:status>HTTP/1.1 404 Not Found</D:status></D:propstat></D:response>`))
	})

	c := newTestClient(t, handler)
	objs, err := c.ListObjects(context.Background(), "/cal/", Window{Past: time.Hour, Future: time.Hour})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "/cal/a.ics", objs[0].Href)
	assert.Equal(t, `"v1"`, objs[0].ETag)
	assert.Contains(t, string(objs[0].Data), "UID:a")
}

func TestPutObjectConditional(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		switch r.Header.Get("If-Match") {
		case `"current"`:
			w.Header().Set("ETag", `"next"`)
			w.WriteHeader(http.StatusNoContent)
		case "":
			// create path asserts non-existence
			assert.Equal(t, "*", r.Header.Get("If-None-Match"))
			w.Header().Set("ETag", `"created"`)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusPreconditionFailed)
		}
	})

	c := newTestClient(t, handler)
	ctx := context.Background()

	etag, err := c.PutObject(ctx, "/cal/a.ics", `"current"`, []byte("BEGIN:VCALENDAR"))
	require.NoError(t, err)
	assert.Equal(t, `"next"`, etag)

	etag, err = c.PutObject(ctx, "/cal/new.ics", "", []byte("BEGIN:VCALENDAR"))
	require.NoError(t, err)
	assert.Equal(t, `"created"`, etag)

	_, err = c.PutObject(ctx, "/cal/a.ics", `"stale"`, []byte("BEGIN:VCALENDAR"))
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestDeleteObject(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/cal/a.ics":
			assert.Equal(t, `"v1"`, r.Header.Get("If-Match"))
			w.WriteHeader(http.StatusNoContent)
		case "/cal/gone.ics":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusPreconditionFailed)
		}
	})

	c := newTestClient(t, handler)
	ctx := context.Background()

	require.NoError(t, c.DeleteObject(ctx, "/cal/a.ics", `"v1"`))
	assert.ErrorIs(t, c.DeleteObject(ctx, "/cal/gone.ics", ""), ErrNotFound)
	assert.ErrorIs(t, c.DeleteObject(ctx, "/cal/stale.ics", `"old"`), ErrPreconditionFailed)
}

func TestUnreachableServer(t *testing.T) {
	c, err := New("http://127.0.0.1:1/", "u", "p", zerolog.Nop())
	require.NoError(t, err)

	_, err = c.GetCTag(context.Background(), "/cal/")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com/cal", "u", "p", zerolog.Nop())
	assert.Error(t, err)

	_, err = New("://nope", "u", "p", zerolog.Nop())
	assert.Error(t, err)
}

func TestWindowBounds(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	start, end := Window{Past: 24 * time.Hour, Future: 48 * time.Hour}.bounds(now)
	assert.Equal(t, now.Add(-24*time.Hour), start)
	assert.Equal(t, now.Add(48*time.Hour), end)
}

func TestResolveHref(t *testing.T) {
	c, err := New("https://dav.example.com/base/", "u", "p", zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "https://dav.example.com/cal/a.ics", c.resolve("/cal/a.ics"))
	assert.Equal(t, "https://dav.example.com/base/a.ics", c.resolve("a.ics"))
	assert.True(t, strings.HasPrefix(c.resolve("https://other.example.com/x"), "https://other.example.com/"))
}
