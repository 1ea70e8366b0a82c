package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// SyncState tracks where an event sits in its push lifecycle.
type SyncState string

const (
	StateLocal   SyncState = "local"   // created here, never pushed
	StatePending SyncState = "pending" // edited since last successful push
	StateSynced  SyncState = "synced"
	StateError   SyncState = "error"
)

// EventStatus mirrors the iCalendar STATUS property.
type EventStatus string

const (
	StatusConfirmed EventStatus = "CONFIRMED"
	StatusCancelled EventStatus = "CANCELLED"
)

// Event is the canonical server-tier record. ID is the durable server key;
// UID is the cross-tier identity token and never changes once assigned.
type Event struct {
	ID             int64
	CalendarID     string
	UID            string
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Timezone       string
	RecurrenceRule string
	Attendees      []string
	Resources      []string
	Sequence       int64
	Status         EventStatus
	SyncState      SyncState
	VersionToken   string // remote etag, empty until first push
	RemoteURL      string
	RawPayload     []byte // last known ICS text
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Calendar struct {
	ID          string
	AccountID   string
	URI         string
	DisplayName string
	Color       string
	RemoteURL   string
	CTag        string // last seen collection version token
	Status      string // ok | error
	LastError   string
	LastSyncAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UIDMapping associates a durable event key with its UID. Kept separate
// from the event row so identity survives a half-applied event update.
type UIDMapping struct {
	EventID   int64
	UID       string
	CreatedAt time.Time
}

// ConflictLog preserves the losing side of a resolved sync conflict.
type ConflictLog struct {
	ID            int64
	CalendarID    string
	UID           string
	LocalSequence int64
	RemoteSeq     int64
	Winner        string // local | remote
	LosingPayload []byte
	CreatedAt     time.Time
}

// Account holds one user's remote CalDAV endpoint and connection state.
type Account struct {
	ID         string
	UserID     string
	RemoteURL  string
	Username   string
	Password   string
	Enabled    bool
	Status     string // ok | error
	LastError  string
	LastSyncAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Store interface {
	Close()

	// Accounts
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccountStatus(ctx context.Context, id, status, lastError string, lastSync *time.Time) error

	// Calendars
	UpsertCalendar(ctx context.Context, c *Calendar) error
	GetCalendar(ctx context.Context, id string) (*Calendar, error)
	GetCalendarByRemoteURL(ctx context.Context, accountID, remoteURL string) (*Calendar, error)
	ListCalendars(ctx context.Context, accountID string) ([]*Calendar, error)
	UpdateCalendarCTag(ctx context.Context, id, ctag string) error
	UpdateCalendarStatus(ctx context.Context, id, status, lastError string, lastSync *time.Time) error

	// Events
	CreateEvent(ctx context.Context, e *Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (*Event, error)
	GetEventByUID(ctx context.Context, calendarID, uid string) (*Event, error)
	ListEvents(ctx context.Context, calendarID string) ([]*Event, error)
	ListEventsBySyncState(ctx context.Context, calendarID string, states ...SyncState) ([]*Event, error)
	UpdateEvent(ctx context.Context, e *Event) error
	// UpdateEventIfSequence applies the update only when the stored row still
	// carries expectedSeq; reports whether the swap happened.
	UpdateEventIfSequence(ctx context.Context, e *Event, expectedSeq int64) (bool, error)
	DeleteEvent(ctx context.Context, id int64) error

	// UID mappings
	GetMappingByEvent(ctx context.Context, eventID int64) (*UIDMapping, error)
	GetMappingByUID(ctx context.Context, uid string) (*UIDMapping, error)
	PutMapping(ctx context.Context, eventID int64, uid string) error
	DeleteMapping(ctx context.Context, eventID int64) error

	// Conflict audit trail
	RecordConflict(ctx context.Context, c *ConflictLog) error
	ListConflicts(ctx context.Context, calendarID string, limit int) ([]*ConflictLog, error)
}
