package caldav

import (
	"context"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	"github.com/samber/mo"
)

// RemoteCalendar is one calendar collection found on the remote server.
// DisplayName and Color are optional props not every server exposes.
type RemoteCalendar struct {
	Href        string
	CTag        string
	DisplayName mo.Option[string]
	Color       mo.Option[string]
}

// Discover walks the standard discovery chain: well-known redirect,
// current-user-principal, calendar-home-set, then a depth-1 listing of
// the home collection. If the chain breaks at any point the configured
// URL itself is probed as a calendar, which covers servers that hand
// out direct calendar URLs.
func (c *Client) Discover(ctx context.Context) ([]RemoteCalendar, error) {
	principal, err := c.principalURL(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("principal discovery failed, probing configured url")
		return c.probeDirect(ctx)
	}

	home, err := c.calendarHomeSet(ctx, principal)
	if err != nil {
		c.logger.Debug().Err(err).Msg("calendar-home-set lookup failed, probing configured url")
		return c.probeDirect(ctx)
	}

	cals, err := c.listCalendars(ctx, home)
	if err != nil {
		return nil, err
	}
	if len(cals) == 0 {
		return c.probeDirect(ctx)
	}
	return cals, nil
}

func (c *Client) principalURL(ctx context.Context) (string, error) {
	body := buildPropfind("D:current-user-principal")

	for _, target := range []string{"/.well-known/caldav", c.base.Path} {
		ms, err := c.multistatus(ctx, "PROPFIND", target, 0, body)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return "", err
			}
			continue
		}
		for _, r := range ms.Responses {
			if prop, ok := r.okProp(); ok && prop.CurrentUserPrincipal.Href != "" {
				return prop.CurrentUserPrincipal.Href, nil
			}
		}
	}
	return "", errors.New("no current-user-principal advertised")
}

func (c *Client) calendarHomeSet(ctx context.Context, principal string) (string, error) {
	ms, err := c.multistatus(ctx, "PROPFIND", principal, 0, buildPropfind("C:calendar-home-set"))
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		if prop, ok := r.okProp(); ok && prop.CalendarHomeSet.Href != "" {
			return prop.CalendarHomeSet.Href, nil
		}
	}
	return "", errors.New("no calendar-home-set advertised")
}

func (c *Client) listCalendars(ctx context.Context, home string) ([]RemoteCalendar, error) {
	body := buildPropfind("D:resourcetype", "D:displayname", "A:calendar-color", "CS:getctag")

	ms, err := c.multistatus(ctx, "PROPFIND", home, 1, body)
	if err != nil {
		return nil, err
	}

	var out []RemoteCalendar
	for _, r := range ms.Responses {
		prop, ok := r.okProp()
		if !ok || prop.ResourceType.Calendar == nil {
			continue
		}
		out = append(out, remoteCalendarFrom(r.Href, prop))
	}

	c.logger.Debug().Int("count", len(out)).Str("home", home).Msg("calendar listing complete")
	return out, nil
}

// probeDirect treats the configured URL as a calendar collection.
func (c *Client) probeDirect(ctx context.Context) ([]RemoteCalendar, error) {
	body := buildPropfind("D:resourcetype", "D:displayname", "A:calendar-color", "CS:getctag")

	ms, err := c.multistatus(ctx, "PROPFIND", c.base.Path, 0, body)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", c.base.Path, err)
	}
	for _, r := range ms.Responses {
		if prop, ok := r.okProp(); ok && prop.ResourceType.Calendar != nil {
			return []RemoteCalendar{remoteCalendarFrom(r.Href, prop)}, nil
		}
	}
	return nil, fmt.Errorf("%s is not a calendar collection", c.base.Path)
}

func remoteCalendarFrom(href string, prop propXML) RemoteCalendar {
	cal := RemoteCalendar{Href: href, CTag: prop.CTag}
	if prop.DisplayName != "" {
		cal.DisplayName = mo.Some(prop.DisplayName)
	}
	if prop.CalendarColor != "" {
		cal.Color = mo.Some(prop.CalendarColor)
	}
	return cal
}

// buildPropfind renders a PROPFIND body asking for the given prefixed
// property names.
func buildPropfind(props ...string) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("D:propfind")
	root.CreateAttr("xmlns:D", nsDAV)
	root.CreateAttr("xmlns:C", nsCalDAV)
	root.CreateAttr("xmlns:A", nsApple)
	root.CreateAttr("xmlns:CS", "http://calendarserver.org/ns/")

	prop := root.CreateElement("D:prop")
	for _, name := range props {
		prop.CreateElement(name)
	}

	out, _ := doc.WriteToBytes()
	return out
}
