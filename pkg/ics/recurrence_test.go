package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRRule(t *testing.T) {
	assert.NoError(t, ValidateRRule(""))
	assert.NoError(t, ValidateRRule("FREQ=WEEKLY;BYDAY=MO,WE,FR"))
	assert.Error(t, ValidateRRule("FREQ=SOMETIMES"))
}

func TestExpandOccurrencesWeekly(t *testing.T) {
	ev := &Event{
		UID:   "weekly@calsyncd.local",
		Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), // a Monday
		End:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		RRule: "FREQ=WEEKLY;COUNT=4",
	}

	occs, err := ExpandOccurrences(ev,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, occs, 4)

	for i, occ := range occs {
		want := ev.Start.AddDate(0, 0, 7*i)
		assert.True(t, want.Equal(occ.Start), "occurrence %d", i)
		assert.Equal(t, time.Hour, occ.End.Sub(occ.Start))
	}
}

func TestExpandOccurrencesNonRecurring(t *testing.T) {
	ev := &Event{
		UID:   "single@calsyncd.local",
		Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}

	occs, err := ExpandOccurrences(ev,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, occs, 1)

	occs, err = ExpandOccurrences(ev,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, occs)
}
