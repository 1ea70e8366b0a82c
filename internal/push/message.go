// Package push is the low-latency change notification channel between
// the server and connected sessions. Delivery is best-effort and
// at-most-once; a missed notification is always recovered by the next
// scheduled pull, so the channel is a latency optimization and never
// the consistency mechanism.
package push

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeEvent    Type = "event"
	TypeCalendar Type = "calendar"
	TypeSystem   Type = "system"
)

type Action string

const (
	ActionCreated      Action = "created"
	ActionUpdated      Action = "updated"
	ActionDeleted      Action = "deleted"
	ActionStatusChange Action = "status-change"
)

// Message is the wire schema shared by server and client.
type Message struct {
	Type            Type            `json:"type"`
	Action          Action          `json:"action"`
	Timestamp       time.Time       `json:"timestamp"`
	Data            json.RawMessage `json:"data,omitempty"`
	SourceSessionID string          `json:"sourceSessionId,omitempty"`
}

// NewMessage stamps a message with the current time and marshals data.
func NewMessage(t Type, a Action, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Action: a, Timestamp: time.Now().UTC(), Data: raw}, nil
}
