package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// ErrMalformedICS marks payloads missing UID or any timing bound.
var ErrMalformedICS = errors.New("ics: malformed payload")

const (
	MethodRequest = "REQUEST"
	MethodCancel  = "CANCEL"

	statusCancelled = "CANCELLED"
)

// Codec serializes events to and from RFC 5545 text. The underlying
// encoder handles value escaping and 75-octet line folding.
type Codec struct {
	ProdID string
}

func NewCodec(prodID string) *Codec {
	if prodID == "" {
		prodID = "-//calsyncd//CalSync//EN"
	}
	return &Codec{ProdID: prodID}
}

// MethodFor selects the iTIP method for an event per RFC 5546: a
// cancellation carries CANCEL, everything else (new invite or update)
// carries REQUEST.
func MethodFor(ev *Event) string {
	if ev.Cancelled {
		return MethodCancel
	}
	return MethodRequest
}

// Encode emits a full VCALENDAR wrapping one VEVENT.
func (c *Codec) Encode(ev *Event, method string) ([]byte, error) {
	if ev.UID == "" {
		return nil, fmt.Errorf("%w: missing UID", ErrMalformedICS)
	}
	if ev.Start.IsZero() {
		return nil, fmt.Errorf("%w: missing DTSTART", ErrMalformedICS)
	}
	if method == "" {
		method = MethodFor(ev)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, c.ProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropMethod, method)

	comp := &ical.Component{Name: ical.CompEvent, Props: make(ical.Props)}
	comp.Props.SetText(ical.PropUID, ev.UID)
	comp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStamp, Value: time.Now().UTC().Format(utcLayout)})
	setDateTime(comp, ical.PropDateTimeStart, ev.Start, ev)
	end := ev.End
	if end.IsZero() {
		end = ev.Start
	}
	setDateTime(comp, ical.PropDateTimeEnd, end, ev)
	comp.Props.SetText(ical.PropSequence, strconv.FormatInt(ev.Sequence, 10))
	comp.Props.SetText(ical.PropSummary, ev.Summary)

	if ev.Description != "" {
		comp.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		comp.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.RRule != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropRecurrenceRule, Value: ev.RRule})
	}
	if ev.Cancelled {
		comp.Props.SetText(ical.PropStatus, statusCancelled)
	}
	for _, a := range ev.Attendees {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Params.Set("ROLE", "REQ-PARTICIPANT")
		prop.Value = mailto(a)
		comp.Props.Add(prop)
	}
	for _, r := range ev.Resources {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Params.Set("ROLE", "NON-PARTICIPANT")
		prop.Params.Set("CUTYPE", "RESOURCE")
		prop.Value = mailto(r)
		comp.Props.Add(prop)
	}

	cal.Children = append(cal.Children, comp)
	return encodeCalendar(cal)
}

// Decode parses the first VEVENT in data. Unknown properties never fail
// the parse; the original bytes are retained in Event.RawData so they
// survive a later Update.
func (c *Codec) Decode(data []byte) (*Event, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedICS, err)
	}

	var comp *ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			comp = child
			break
		}
	}
	if comp == nil {
		return nil, fmt.Errorf("%w: no VEVENT component", ErrMalformedICS)
	}

	ev := &Event{RawData: append([]byte(nil), data...)}

	if p := comp.Props.Get(ical.PropUID); p != nil {
		ev.UID = p.Value
	}
	if ev.UID == "" {
		return nil, fmt.Errorf("%w: missing UID", ErrMalformedICS)
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	endProp := comp.Props.Get(ical.PropDateTimeEnd)
	if startProp == nil && endProp == nil {
		return nil, fmt.Errorf("%w: no timing bounds", ErrMalformedICS)
	}
	if startProp != nil {
		t, allDay, tzid, err := parseDateTimeProp(startProp)
		if err != nil {
			return nil, fmt.Errorf("%w: bad DTSTART %q", ErrMalformedICS, startProp.Value)
		}
		ev.Start, ev.AllDay, ev.Timezone = t, allDay, tzid
	}
	if endProp != nil {
		t, _, _, err := parseDateTimeProp(endProp)
		if err != nil {
			return nil, fmt.Errorf("%w: bad DTEND %q", ErrMalformedICS, endProp.Value)
		}
		ev.End = t
	} else if p := comp.Props.Get(ical.PropDuration); p != nil {
		if d, err := parseDuration(p.Value); err == nil {
			ev.End = ev.Start.Add(d)
		}
	}
	if ev.End.IsZero() {
		ev.End = ev.Start
	}
	if ev.Start.IsZero() {
		ev.Start = ev.End
	}

	if p := comp.Props.Get(ical.PropSummary); p != nil {
		ev.Summary = p.Value
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		ev.Description = p.Value
	}
	if p := comp.Props.Get(ical.PropLocation); p != nil {
		ev.Location = p.Value
	}
	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.RRule = p.Value
	}
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.ParseInt(p.Value, 10, 64); err == nil {
			ev.Sequence = n
		}
	}
	if p := comp.Props.Get(ical.PropStatus); p != nil {
		ev.Cancelled = strings.EqualFold(p.Value, statusCancelled)
	}
	for _, p := range comp.Props[ical.PropAttendee] {
		addr := strings.TrimPrefix(p.Value, "mailto:")
		if strings.EqualFold(p.Params.Get("CUTYPE"), "RESOURCE") {
			ev.Resources = append(ev.Resources, addr)
		} else {
			ev.Attendees = append(ev.Attendees, addr)
		}
	}

	return ev, nil
}

// Update rewrites existing ICS text with the fields of ev, keeping the
// UID already present and incrementing SEQUENCE from the value found in
// the text, not from the caller's copy.
func (c *Codec) Update(existing []byte, ev *Event) ([]byte, error) {
	cal, comp, err := decodeVEvent(existing)
	if err != nil {
		return nil, err
	}

	seq := int64(0)
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.ParseInt(p.Value, 10, 64); err == nil {
			seq = n
		}
	}

	cal.Props.SetText(ical.PropMethod, MethodRequest)
	comp.Props.SetText(ical.PropSequence, strconv.FormatInt(seq+1, 10))
	comp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStamp, Value: time.Now().UTC().Format(utcLayout)})
	comp.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		comp.Props.SetText(ical.PropDescription, ev.Description)
	} else {
		comp.Props.Del(ical.PropDescription)
	}
	if ev.Location != "" {
		comp.Props.SetText(ical.PropLocation, ev.Location)
	} else {
		comp.Props.Del(ical.PropLocation)
	}
	if !ev.Start.IsZero() {
		setDateTime(comp, ical.PropDateTimeStart, ev.Start, ev)
		end := ev.End
		if end.IsZero() {
			end = ev.Start
		}
		comp.Props.Del(ical.PropDuration)
		setDateTime(comp, ical.PropDateTimeEnd, end, ev)
	}
	if ev.RRule != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropRecurrenceRule, Value: ev.RRule})
	} else {
		comp.Props.Del(ical.PropRecurrenceRule)
	}

	return encodeCalendar(cal)
}

// Cancel marks existing ICS text cancelled: STATUS:CANCELLED,
// METHOD:CANCEL, SEQUENCE incremented. The UID is untouched.
func (c *Codec) Cancel(existing []byte, uid string) ([]byte, error) {
	cal, comp, err := decodeVEvent(existing)
	if err != nil {
		return nil, err
	}
	if p := comp.Props.Get(ical.PropUID); p == nil || (uid != "" && p.Value != uid) {
		return nil, fmt.Errorf("%w: UID mismatch on cancel", ErrMalformedICS)
	}

	seq := int64(0)
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.ParseInt(p.Value, 10, 64); err == nil {
			seq = n
		}
	}

	cal.Props.SetText(ical.PropMethod, MethodCancel)
	comp.Props.SetText(ical.PropStatus, statusCancelled)
	comp.Props.SetText(ical.PropSequence, strconv.FormatInt(seq+1, 10))
	comp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStamp, Value: time.Now().UTC().Format(utcLayout)})

	return encodeCalendar(cal)
}

func decodeVEvent(data []byte) (*ical.Calendar, *ical.Component, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedICS, err)
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			return cal, child, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: no VEVENT component", ErrMalformedICS)
}

func encodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mailto(addr string) string {
	if strings.HasPrefix(addr, "mailto:") {
		return addr
	}
	return "mailto:" + addr
}
