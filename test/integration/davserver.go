// Package integration exercises the full stack in process: a fake
// CalDAV remote, the sync orchestrator, the REST surface and the
// device-tier engine talking over real HTTP.
package integration

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const (
	davUser      = "alice"
	davPass      = "s3cret"
	principalRef = "/principals/alice/"
	homeRef      = "/calendars/alice/"
	calendarRef  = "/calendars/alice/work/"
)

type davObject struct {
	data []byte
	etag string
}

// davServer is a minimal CalDAV endpoint: principal discovery, one
// calendar collection, a calendar-query report and conditional writes.
type davServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	objects map[string]*davObject
	ctagSeq int
	etagSeq int
}

func newDAVServer(t *testing.T) *davServer {
	t.Helper()
	d := &davServer{objects: make(map[string]*davObject), ctagSeq: 1}
	d.srv = httptest.NewServer(http.HandlerFunc(d.handle))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *davServer) URL() string { return d.srv.URL + "/" }

// seed installs an object directly, as if another CalDAV client wrote it.
func (d *davServer) seed(href string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.etagSeq++
	d.ctagSeq++
	d.objects[href] = &davObject{data: data, etag: fmt.Sprintf("%q", fmt.Sprintf("v%d", d.etagSeq))}
}

func (d *davServer) object(href string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[href]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

func (d *davServer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

func (d *davServer) handle(w http.ResponseWriter, r *http.Request) {
	if user, pass, ok := r.BasicAuth(); !ok || user != davUser || pass != davPass {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case "PROPFIND":
		d.propfind(w, r)
	case "REPORT":
		d.report(w, r)
	case http.MethodGet:
		d.get(w, r)
	case http.MethodPut:
		d.put(w, r)
	case http.MethodDelete:
		d.delete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func multistatus(inner string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" ` +
		`xmlns:A="http://apple.com/ns/ical/" xmlns:CS="http://calendarserver.org/ns/">` +
		inner + `</D:multistatus>`
}

func okResponse(href, props string) string {
	return `<D:response><D:href>` + href + `</D:href><D:propstat><D:prop>` + props +
		`</D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response>`
}

func xmlEscape(s string) string {
	return strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;").Replace(s)
}

func (d *davServer) currentCTag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("ctag-%d", d.ctagSeq)
}

func (d *davServer) propfind(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusMultiStatus)
	switch r.URL.Path {
	case "/.well-known/caldav":
		io.WriteString(w, multistatus(okResponse(r.URL.Path,
			`<D:current-user-principal><D:href>`+principalRef+`</D:href></D:current-user-principal>`)))
	case principalRef:
		io.WriteString(w, multistatus(okResponse(principalRef,
			`<C:calendar-home-set><D:href>`+homeRef+`</D:href></C:calendar-home-set>`)))
	case homeRef:
		io.WriteString(w, multistatus(
			okResponse(homeRef, `<D:resourcetype><D:collection/></D:resourcetype>`)+
				okResponse(calendarRef,
					`<D:resourcetype><D:collection/><C:calendar/></D:resourcetype>`+
						`<D:displayname>Work</D:displayname>`+
						`<CS:getctag>`+d.currentCTag()+`</CS:getctag>`)))
	case calendarRef:
		io.WriteString(w, multistatus(okResponse(calendarRef,
			`<CS:getctag>`+d.currentCTag()+`</CS:getctag>`)))
	default:
		io.WriteString(w, multistatus(""))
	}
}

func (d *davServer) report(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	var responses strings.Builder
	for href, obj := range d.objects {
		responses.WriteString(okResponse(href,
			`<D:getetag>`+obj.etag+`</D:getetag>`+
				`<C:calendar-data>`+xmlEscape(string(obj.data))+`</C:calendar-data>`))
	}
	d.mu.Unlock()

	w.WriteHeader(http.StatusMultiStatus)
	io.WriteString(w, multistatus(responses.String()))
}

func (d *davServer) get(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	obj, ok := d.objects[r.URL.Path]
	d.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", obj.etag)
	w.Header().Set("Content-Type", "text/calendar")
	_, _ = w.Write(obj.data)
}

func (d *davServer) put(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	d.mu.Lock()
	defer d.mu.Unlock()

	obj := d.objects[r.URL.Path]
	if r.Header.Get("If-None-Match") == "*" && obj != nil {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && (obj == nil || obj.etag != match) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	d.etagSeq++
	d.ctagSeq++
	etag := fmt.Sprintf("%q", fmt.Sprintf("v%d", d.etagSeq))
	d.objects[r.URL.Path] = &davObject{data: body, etag: etag}

	w.Header().Set("ETag", etag)
	if obj == nil {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (d *davServer) delete(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, ok := d.objects[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && obj.etag != match {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	delete(d.objects, r.URL.Path)
	d.ctagSeq++
	w.WriteHeader(http.StatusNoContent)
}
