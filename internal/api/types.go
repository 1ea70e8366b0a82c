package api

import (
	"time"

	"calsyncd/internal/storage"
)

// EventRecord is the canonical wire representation of a server event.
// ServerKey is the durable key clients reconcile against.
type EventRecord struct {
	ServerKey    int64     `json:"serverKey"`
	UID          string    `json:"uid"`
	CalendarID   string    `json:"calendarId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	AllDay       bool      `json:"allDay"`
	Timezone     string    `json:"timezone,omitempty"`
	Rrule        string    `json:"rrule,omitempty"`
	Attendees    []string  `json:"attendees,omitempty"`
	Resources    []string  `json:"resources,omitempty"`
	Sequence     int64     `json:"sequence"`
	Status       string    `json:"status"`
	SyncState    string    `json:"syncState"`
	VersionToken string    `json:"versionToken,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// EventInput is the mutable subset accepted on create and update.
type EventInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool     `json:"allDay"`
	Timezone    string   `json:"timezone"`
	Rrule       string   `json:"rrule"`
	Attendees   []string `json:"attendees"`
	Resources   []string `json:"resources"`
}

type CalendarRecord struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"accountId"`
	DisplayName string     `json:"displayName"`
	Color       string     `json:"color"`
	RemoteURL   string     `json:"remoteUrl"`
	CTag        string     `json:"ctag,omitempty"`
	Status      string     `json:"status"`
	LastError   string     `json:"lastError,omitempty"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
}

type AccountInput struct {
	UserID    string `json:"userId"`
	RemoteURL string `json:"remoteUrl"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type AccountRecord struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	RemoteURL  string     `json:"remoteUrl"`
	Username   string     `json:"username"`
	Enabled    bool       `json:"enabled"`
	Status     string     `json:"status"`
	LastError  string     `json:"lastError,omitempty"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
}

// OccurrenceRecord is one expanded instance of a recurring event.
type OccurrenceRecord struct {
	ServerKey int64     `json:"serverKey"`
	UID       string    `json:"uid"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

func eventRecord(e *storage.Event) EventRecord {
	return EventRecord{
		ServerKey:    e.ID,
		UID:          e.UID,
		CalendarID:   e.CalendarID,
		Title:        e.Title,
		Description:  e.Description,
		Location:     e.Location,
		Start:        e.Start,
		End:          e.End,
		AllDay:       e.AllDay,
		Timezone:     e.Timezone,
		Rrule:        e.RecurrenceRule,
		Attendees:    e.Attendees,
		Resources:    e.Resources,
		Sequence:     e.Sequence,
		Status:       string(e.Status),
		SyncState:    string(e.SyncState),
		VersionToken: e.VersionToken,
		UpdatedAt:    e.UpdatedAt,
	}
}

func calendarRecord(c *storage.Calendar) CalendarRecord {
	return CalendarRecord{
		ID:          c.ID,
		AccountID:   c.AccountID,
		DisplayName: c.DisplayName,
		Color:       c.Color,
		RemoteURL:   c.RemoteURL,
		CTag:        c.CTag,
		Status:      c.Status,
		LastError:   c.LastError,
		LastSyncAt:  c.LastSyncAt,
	}
}

func accountRecord(a *storage.Account) AccountRecord {
	return AccountRecord{
		ID:         a.ID,
		UserID:     a.UserID,
		RemoteURL:  a.RemoteURL,
		Username:   a.Username,
		Enabled:    a.Enabled,
		Status:     a.Status,
		LastError:  a.LastError,
		LastSyncAt: a.LastSyncAt,
	}
}

func (in *EventInput) apply(e *storage.Event) {
	e.Title = in.Title
	e.Description = in.Description
	e.Location = in.Location
	e.Start = in.Start
	e.End = in.End
	e.AllDay = in.AllDay
	e.Timezone = in.Timezone
	e.RecurrenceRule = in.Rrule
	e.Attendees = in.Attendees
	e.Resources = in.Resources
}
