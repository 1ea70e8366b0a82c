package ics

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// Occurrence is one concrete instance of a possibly recurring event.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// ValidateRRule reports whether rule parses as an RFC 5545 recurrence rule.
func ValidateRRule(rule string) error {
	if rule == "" {
		return nil
	}
	_, err := rrule.StrToRRule(rule)
	return err
}

// ExpandOccurrences returns the instances of ev overlapping [rangeStart,
// rangeEnd). A non-recurring event yields at most one occurrence.
func ExpandOccurrences(ev *Event, rangeStart, rangeEnd time.Time) ([]Occurrence, error) {
	duration := ev.End.Sub(ev.Start)
	if duration < 0 {
		duration = 0
	}

	if ev.RRule == "" {
		if ev.Start.Before(rangeEnd) && ev.End.After(rangeStart) {
			return []Occurrence{{Start: ev.Start, End: ev.End}}, nil
		}
		return nil, nil
	}

	rruleStr := "DTSTART:" + ev.Start.UTC().Format(utcLayout) + "\nRRULE:" + ev.RRule
	rule, err := rrule.StrToRRule(rruleStr)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE: %w", err)
	}

	starts := rule.Between(rangeStart.Add(-duration), rangeEnd.Add(duration), true)
	var out []Occurrence
	for _, s := range starts {
		e := s.Add(duration)
		if s.Before(rangeEnd) && e.After(rangeStart) {
			out = append(out, Occurrence{Start: s, End: e})
		}
	}
	return out, nil
}
