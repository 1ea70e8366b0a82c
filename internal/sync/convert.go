package sync

import (
	"encoding/json"
	"time"

	"calsyncd/internal/push"
	"calsyncd/internal/storage"
	"calsyncd/pkg/ics"
)

type icsEvent = ics.Event

// ChangeData is the payload carried by event push messages.
type ChangeData struct {
	ServerKey  int64  `json:"serverKey"`
	UID        string `json:"uid"`
	CalendarID string `json:"calendarId"`
	Sequence   int64  `json:"sequence"`
}

func changeMessage(action push.Action, serverKey int64, uid, calendarID string, seq int64) push.Message {
	raw, _ := json.Marshal(ChangeData{
		ServerKey:  serverKey,
		UID:        uid,
		CalendarID: calendarID,
		Sequence:   seq,
	})
	return push.Message{
		Type:      push.TypeEvent,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
}

func toICS(e *storage.Event) *ics.Event {
	return &ics.Event{
		UID:         e.UID,
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start,
		End:         e.End,
		AllDay:      e.AllDay,
		Timezone:    e.Timezone,
		RRule:       e.RecurrenceRule,
		Attendees:   e.Attendees,
		Resources:   e.Resources,
		Sequence:    e.Sequence,
		Cancelled:   e.Status == storage.StatusCancelled,
		RawData:     e.RawPayload,
	}
}

func fromICS(ev *ics.Event) *storage.Event {
	status := storage.StatusConfirmed
	if ev.Cancelled {
		status = storage.StatusCancelled
	}
	return &storage.Event{
		UID:            ev.UID,
		Title:          ev.Summary,
		Description:    ev.Description,
		Location:       ev.Location,
		Start:          ev.Start,
		End:            ev.End,
		AllDay:         ev.AllDay,
		Timezone:       ev.Timezone,
		RecurrenceRule: ev.RRule,
		Attendees:      ev.Attendees,
		Resources:      ev.Resources,
		Sequence:       ev.Sequence,
		Status:         status,
	}
}
