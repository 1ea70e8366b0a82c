package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beevik/etree"
)

// Object is one calendar object resource as stored on the remote
// server. ETag is the version token for conditional writes.
type Object struct {
	Href string
	ETag string
	Data []byte
}

// Window bounds a calendar-query time range relative to now.
type Window struct {
	Past   time.Duration
	Future time.Duration
}

func (w Window) bounds(now time.Time) (time.Time, time.Time) {
	return now.Add(-w.Past).UTC(), now.Add(w.Future).UTC()
}

// GetCTag fetches the collection tag of a calendar. An unchanged ctag
// means no object in the collection changed since the last read.
func (c *Client) GetCTag(ctx context.Context, calendarHref string) (string, error) {
	ms, err := c.multistatus(ctx, "PROPFIND", calendarHref, 0, buildPropfind("CS:getctag"))
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		if prop, ok := r.okProp(); ok && prop.CTag != "" {
			return prop.CTag, nil
		}
	}
	return "", nil
}

// ListObjects runs a calendar-query REPORT returning every VEVENT
// object overlapping the window, with payloads and etags.
func (c *Client) ListObjects(ctx context.Context, calendarHref string, w Window) ([]Object, error) {
	start, end := w.bounds(time.Now())
	ms, err := c.multistatus(ctx, "REPORT", calendarHref, 1, buildCalendarQuery(start, end))
	if err != nil {
		return nil, err
	}

	var out []Object
	for _, r := range ms.Responses {
		prop, ok := r.okProp()
		if !ok || prop.CalendarData == "" {
			continue
		}
		out = append(out, Object{
			Href: r.Href,
			ETag: prop.ETag,
			Data: []byte(prop.CalendarData),
		})
	}

	c.logger.Debug().
		Int("count", len(out)).
		Str("calendar", calendarHref).
		Time("range_start", start).
		Time("range_end", end).
		Msg("calendar query complete")
	return out, nil
}

// GetObject fetches a single calendar object by href.
func (c *Client) GetObject(ctx context.Context, href string) (*Object, error) {
	resp, err := c.do(ctx, http.MethodGet, href, -1, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, href)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: unexpected status %d", href, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", href, err)
	}
	return &Object{Href: href, ETag: resp.Header.Get("ETag"), Data: data}, nil
}

func buildCalendarQuery(start, end time.Time) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	query := doc.CreateElement("C:calendar-query")
	query.CreateAttr("xmlns:D", nsDAV)
	query.CreateAttr("xmlns:C", nsCalDAV)

	prop := query.CreateElement("D:prop")
	prop.CreateElement("D:getetag")
	prop.CreateElement("C:calendar-data")

	filter := query.CreateElement("C:filter")
	calFilter := filter.CreateElement("C:comp-filter")
	calFilter.CreateAttr("name", "VCALENDAR")
	evFilter := calFilter.CreateElement("C:comp-filter")
	evFilter.CreateAttr("name", "VEVENT")
	timeRange := evFilter.CreateElement("C:time-range")
	timeRange.CreateAttr("start", start.Format(timeRangeLayout))
	timeRange.CreateAttr("end", end.Format(timeRangeLayout))

	out, _ := doc.WriteToBytes()
	return out
}
