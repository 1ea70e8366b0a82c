package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickFiresTrigger(t *testing.T) {
	var calls atomic.Int32
	s, err := New("", time.Minute, func(context.Context, bool) { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, err)

	s.tick()
	s.tick()
	assert.EqualValues(t, 2, calls.Load())
}

func TestRejectsBadCronSpec(t *testing.T) {
	_, err := New("not a cron spec", time.Minute, func(context.Context, bool) {}, zerolog.Nop())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s, err := New("*/5 * * * *", 0, func(context.Context, bool) {}, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	done := s.Stop()

	select {
	case <-done.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
