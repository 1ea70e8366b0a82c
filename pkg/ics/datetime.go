package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const (
	utcLayout   = "20060102T150405Z"
	localLayout = "20060102T150405"
	dateLayout  = "20060102"
)

func setDateTime(comp *ical.Component, name string, t time.Time, ev *Event) {
	prop := ical.NewProp(name)
	switch {
	case ev.AllDay:
		prop.Params.Set("VALUE", "DATE")
		prop.Value = t.Format(dateLayout)
	case ev.Timezone != "" && ev.Timezone != "UTC":
		prop.Params.Set("TZID", ev.Timezone)
		if loc, err := time.LoadLocation(ev.Timezone); err == nil {
			t = t.In(loc)
		}
		prop.Value = t.Format(localLayout)
	default:
		prop.Value = t.UTC().Format(utcLayout)
	}
	comp.Props.Set(prop)
}

// parseDateTimeProp handles the three shapes a DTSTART/DTEND value takes:
// date-only (all day), UTC Z-suffixed, and floating or TZID-qualified.
func parseDateTimeProp(p *ical.Prop) (t time.Time, allDay bool, tzid string, err error) {
	v := strings.TrimSpace(p.Value)

	if strings.EqualFold(p.Params.Get("VALUE"), "DATE") || len(v) == len(dateLayout) {
		t, err = time.Parse(dateLayout, v)
		return t, true, "", err
	}

	if strings.HasSuffix(v, "Z") {
		t, err = time.Parse(utcLayout, v)
		return t, false, "", err
	}

	if tzid = p.Params.Get("TZID"); tzid != "" {
		loc, lerr := time.LoadLocation(tzid)
		if lerr != nil {
			loc = time.UTC
		}
		t, err = time.ParseInLocation(localLayout, v, loc)
		return t, false, tzid, err
	}

	// floating time
	t, err = time.ParseInLocation(localLayout, v, time.Local)
	return t, false, "", err
}

// parseDuration reads an RFC 5545 duration (e.g. P1DT2H30M).
func parseDuration(durStr string) (time.Duration, error) {
	durStr = strings.TrimSpace(durStr)
	neg := false
	if strings.HasPrefix(durStr, "-") {
		neg = true
		durStr = durStr[1:]
	}
	durStr = strings.TrimPrefix(durStr, "+")
	if !strings.HasPrefix(durStr, "P") {
		return 0, fmt.Errorf("invalid duration format %q", durStr)
	}

	var days, hours, minutes, seconds, weeks int
	var inTime bool
	var current strings.Builder

	for _, r := range durStr[1:] {
		switch r {
		case 'W':
			if n, err := strconv.Atoi(current.String()); err == nil {
				weeks = n
			}
			current.Reset()
		case 'D':
			if n, err := strconv.Atoi(current.String()); err == nil {
				days = n
			}
			current.Reset()
		case 'T':
			inTime = true
			current.Reset()
		case 'H':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					hours = n
				}
			}
			current.Reset()
		case 'M':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					minutes = n
				}
			}
			current.Reset()
		case 'S':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					seconds = n
				}
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	d := time.Duration(weeks)*7*24*time.Hour +
		time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	if neg {
		d = -d
	}
	return d, nil
}
