// Package caldav is the outbound protocol adapter for third-party
// calendar servers. It speaks PROPFIND, REPORT, PUT and DELETE over
// HTTP and translates transport-level failures into the package's
// error taxonomy so callers never inspect status codes themselves.
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsApple  = "http://apple.com/ns/ical/"

	timeRangeLayout = "20060102T150405Z"
)

type Client struct {
	base   *url.URL
	http   *http.Client
	logger zerolog.Logger
}

// New builds a client for a single remote account. All hrefs passed to
// the client's methods are resolved against remoteURL.
func New(remoteURL, username, password string, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", remoteURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: unsupported scheme", remoteURL)
	}
	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: NewBasicAuthTransport(username, password, nil, logger),
		},
		logger: logger,
	}, nil
}

// resolve turns a server-relative href into an absolute URL.
func (c *Client) resolve(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return c.base.ResolveReference(ref).String()
}

func bodyReader(data []byte) io.Reader {
	if data == nil {
		return nil
	}
	return bytes.NewReader(data)
}

// do issues a single request. depth < 0 omits the Depth header.
func (c *Client) do(ctx context.Context, method, href string, depth int, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(href), bodyReader(body))
	if err != nil {
		return nil, err
	}
	if depth >= 0 {
		req.Header.Set("Depth", strconv.Itoa(depth))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return resp, nil
}

// multistatus issues a PROPFIND or REPORT and decodes the 207 body.
func (c *Client) multistatus(ctx context.Context, method, href string, depth int, body []byte) (*multistatusXML, error) {
	resp, err := c.do(ctx, method, href, depth, "application/xml; charset=utf-8", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMultiStatus:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, href)
	default:
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, href, resp.StatusCode)
	}

	var ms multistatusXML
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("parse multistatus: %w", err)
	}
	return &ms, nil
}

// Multistatus response shapes. Tags match on local name only, so the
// parser is indifferent to whatever prefixes the server chose.
type multistatusXML struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []responseXML `xml:"response"`
}

type responseXML struct {
	Href      string        `xml:"href"`
	Propstats []propstatXML `xml:"propstat"`
	Status    string        `xml:"status"`
}

type propstatXML struct {
	Status string  `xml:"status"`
	Prop   propXML `xml:"prop"`
}

type propXML struct {
	DisplayName          string          `xml:"displayname"`
	ResourceType         resourceTypeXML `xml:"resourcetype"`
	CalendarColor        string          `xml:"calendar-color"`
	CTag                 string          `xml:"getctag"`
	ETag                 string          `xml:"getetag"`
	CurrentUserPrincipal hrefXML         `xml:"current-user-principal"`
	CalendarHomeSet      hrefXML         `xml:"calendar-home-set"`
	CalendarData         string          `xml:"calendar-data"`
}

type hrefXML struct {
	Href string `xml:"href"`
}

type resourceTypeXML struct {
	Calendar *struct{} `xml:"calendar"`
}

// okProp returns the prop block of the first 200-status propstat.
func (r responseXML) okProp() (propXML, bool) {
	for _, ps := range r.Propstats {
		if statusOK(ps.Status) {
			return ps.Prop, true
		}
	}
	return propXML{}, false
}

func statusOK(status string) bool {
	return status == "" || strings.Contains(status, " 200 ")
}
