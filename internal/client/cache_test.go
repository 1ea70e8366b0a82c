package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertMintsProvisionalIDs(t *testing.T) {
	c := NewCache()

	a := c.Insert(&Record{CalendarID: "cal", Title: "a"})
	b := c.Insert(&Record{CalendarID: "cal", Title: "b"})

	assert.True(t, a.IsProvisional())
	assert.True(t, b.IsProvisional())
	assert.NotEqual(t, a, b)
}

func TestGetReturnsACopy(t *testing.T) {
	c := NewCache()
	id := c.Insert(&Record{CalendarID: "cal", Title: "orig", Attendees: []string{"a@x"}})

	got, ok := c.Get(id)
	require.True(t, ok)
	got.Title = "mutated"
	got.Attendees[0] = "b@x"

	again, _ := c.Get(id)
	assert.Equal(t, "orig", again.Title)
	assert.Equal(t, []string{"a@x"}, again.Attendees)
}

func TestReplaceMovesUIDIndex(t *testing.T) {
	c := NewCache()
	old := c.Insert(&Record{CalendarID: "cal", UID: "u@host", Title: "draft"})

	id := c.Replace(old, &Record{ID: Confirmed(7), CalendarID: "cal", UID: "u@host", Title: "final"})
	assert.Equal(t, Confirmed(7), id)

	_, stale := c.Get(old)
	assert.False(t, stale)

	byUID, ok := c.GetByUID("u@host")
	require.True(t, ok)
	assert.Equal(t, Confirmed(7), byUID.ID)
	assert.Equal(t, "final", byUID.Title)
	assert.Equal(t, 1, c.Len())
}

func TestDeleteClearsUIDIndex(t *testing.T) {
	c := NewCache()
	id := c.Insert(&Record{CalendarID: "cal", UID: "u@host"})
	c.Delete(id)

	_, ok := c.GetByUID("u@host")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestListPendingFiltersByCalendar(t *testing.T) {
	c := NewCache()
	c.Insert(&Record{CalendarID: "work", Pending: true})
	c.Insert(&Record{CalendarID: "work"})
	c.Insert(&Record{CalendarID: "home", Pending: true})

	assert.Len(t, c.ListPending("work"), 1)
	assert.Len(t, c.List("work"), 2)
}

func TestRecordIDString(t *testing.T) {
	assert.Equal(t, "provisional(3)", Provisional(3).String())
	assert.Equal(t, "confirmed(9)", Confirmed(9).String())
	assert.True(t, RecordID{}.IsZero())
	assert.False(t, Confirmed(0).IsZero())
}
