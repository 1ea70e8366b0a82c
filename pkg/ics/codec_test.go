package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *Event {
	return &Event{
		UID:         "team-sync-1700000000-a1b2c3@calsyncd.local",
		Summary:     "Team sync",
		Description: "Weekly; bring notes, questions",
		Location:    "Room 4; Building B",
		Start:       time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		Attendees:   []string{"alice@example.com", "bob@example.com"},
		Resources:   []string{"projector@example.com"},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCodec("")
	ev := testEvent()

	data, err := c.Encode(ev, "")
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, ev.UID, got.UID)
	assert.Equal(t, ev.Summary, got.Summary)
	assert.Equal(t, ev.Description, got.Description)
	assert.Equal(t, ev.Location, got.Location)
	assert.True(t, ev.Start.Equal(got.Start))
	assert.True(t, ev.End.Equal(got.End))
	assert.Equal(t, ev.Attendees, got.Attendees)
	assert.Equal(t, ev.Resources, got.Resources)
	assert.False(t, got.AllDay)
	assert.EqualValues(t, 0, got.Sequence)
}

func TestEncodeRequiredProperties(t *testing.T) {
	c := NewCodec("-//test//test//EN")
	data, err := c.Encode(testEvent(), "")
	require.NoError(t, err)

	s := string(data)
	for _, prop := range []string{"UID", "DTSTAMP", "DTSTART", "DTEND", "SEQUENCE", "SUMMARY", "METHOD:REQUEST"} {
		assert.Contains(t, s, prop)
	}
	assert.Contains(t, s, "ROLE=NON-PARTICIPANT")
	assert.Contains(t, s, "CUTYPE=RESOURCE")
}

func TestEncodeAllDay(t *testing.T) {
	c := NewCodec("")
	ev := testEvent()
	ev.AllDay = true
	ev.Start = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	ev.End = time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	data, err := c.Encode(ev, "")
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.True(t, got.AllDay)
	assert.Equal(t, "20260310", got.Start.Format("20060102"))
}

func TestEncodeMissingUID(t *testing.T) {
	c := NewCodec("")
	ev := testEvent()
	ev.UID = ""
	_, err := c.Encode(ev, "")
	assert.ErrorIs(t, err, ErrMalformedICS)
}

func TestDecodeMalformed(t *testing.T) {
	c := NewCodec("")

	tests := []struct {
		name string
		data string
	}{
		{
			name: "missing uid",
			data: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//x//x//EN\r\nBEGIN:VEVENT\r\nDTSTART:20260310T140000Z\r\nDTEND:20260310T150000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n",
		},
		{
			name: "no timing bounds",
			data: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//x//x//EN\r\nBEGIN:VEVENT\r\nUID:abc\r\nSUMMARY:x\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n",
		},
		{
			name: "not ics at all",
			data: "{\"not\": \"ics\"}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformedICS)
		})
	}
}

func TestDecodePreservesUnknownProperties(t *testing.T) {
	c := NewCodec("")
	data := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//x//x//EN\r\nBEGIN:VEVENT\r\nUID:abc\r\nDTSTART:20260310T140000Z\r\nDTEND:20260310T150000Z\r\nSUMMARY:x\r\nX-CUSTOM-PROP:kept\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

	ev, err := c.Decode([]byte(data))
	require.NoError(t, err)

	updated, err := c.Update(ev.RawData, ev)
	require.NoError(t, err)
	assert.Contains(t, string(updated), "X-CUSTOM-PROP:kept")
}

func TestUpdateIncrementsSequenceFromText(t *testing.T) {
	c := NewCodec("")
	ev := testEvent()

	data, err := c.Encode(ev, "")
	require.NoError(t, err)

	// caller's in-memory sequence is stale on purpose
	ev.Sequence = 99
	ev.Summary = "Team sync (moved)"
	updated, err := c.Update(data, ev)
	require.NoError(t, err)

	got, err := c.Decode(updated)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Sequence)
	assert.Equal(t, "Team sync (moved)", got.Summary)
	assert.Equal(t, testEvent().UID, got.UID, "update must keep the existing UID")
	assert.Contains(t, string(updated), "METHOD:REQUEST")
}

// Two title updates followed by a cancellation end at SEQUENCE 3 with
// CANCEL semantics.
func TestUpdateTwiceThenCancel(t *testing.T) {
	c := NewCodec("")
	ev := testEvent()

	data, err := c.Encode(ev, "")
	require.NoError(t, err)

	ev.Summary = "first rename"
	data, err = c.Update(data, ev)
	require.NoError(t, err)

	ev.Summary = "second rename"
	data, err = c.Update(data, ev)
	require.NoError(t, err)

	data, err = c.Cancel(data, ev.UID)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, "METHOD:CANCEL")
	assert.Contains(t, s, "STATUS:CANCELLED")

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Sequence)
	assert.True(t, got.Cancelled)
	assert.Equal(t, ev.UID, got.UID)
}

func TestCancelUIDMismatch(t *testing.T) {
	c := NewCodec("")
	data, err := c.Encode(testEvent(), "")
	require.NoError(t, err)

	_, err = c.Cancel(data, "some-other-uid")
	assert.ErrorIs(t, err, ErrMalformedICS)
}

func TestSequenceMonotonicity(t *testing.T) {
	c := NewCodec("")
	ev := testEvent()
	data, err := c.Encode(ev, "")
	require.NoError(t, err)

	last := int64(-1)
	for i := 0; i < 5; i++ {
		got, err := c.Decode(data)
		require.NoError(t, err)
		assert.Greater(t, got.Sequence, last)
		last = got.Sequence

		data, err = c.Update(data, ev)
		require.NoError(t, err)
	}
}

func TestMethodFor(t *testing.T) {
	assert.Equal(t, MethodRequest, MethodFor(&Event{}))
	assert.Equal(t, MethodRequest, MethodFor(&Event{Sequence: 3}))
	assert.Equal(t, MethodCancel, MethodFor(&Event{Cancelled: true}))
}

func TestDecodeTimezoneForms(t *testing.T) {
	c := NewCodec("")

	data := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//x//x//EN\r\nBEGIN:VEVENT\r\nUID:tz-test\r\nDTSTART;TZID=Europe/Berlin:20260310T140000\r\nDTEND;TZID=Europe/Berlin:20260310T150000\r\nSUMMARY:tz\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	ev, err := c.Decode([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", ev.Timezone)
	assert.False(t, ev.AllDay)
	assert.Equal(t, 14, ev.Start.Hour())
}
