package ics

import "time"

// Event is the codec-level view of a calendar event: exactly the fields
// the wire format carries, independent of any storage tier.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Timezone    string // TZID, empty for UTC or floating times
	RRule       string
	Attendees   []string // email addresses
	Resources   []string // rooms/equipment, emitted as non-participant attendees
	Sequence    int64
	Cancelled   bool

	// RawData holds the full serialized component the event was decoded
	// from, including properties this struct does not model. Updates are
	// applied against it so unknown properties round-trip untouched.
	RawData []byte
}
