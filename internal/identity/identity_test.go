package identity

import (
	"context"
	"regexp"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsyncd/internal/storage/memory"
)

var uidPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+-\d+-[A-Za-z0-9]+(@[\w.-]+)?$`)

func newService() *Service {
	return NewService(memory.New(), "calsyncd.local", zerolog.Nop())
}

func TestAssignFormat(t *testing.T) {
	s := newService()

	tests := []struct {
		name   string
		prefix string
	}{
		{"plain", "meeting"},
		{"empty falls back", ""},
		{"spaces become dashes", "team sync"},
		{"disallowed chars stripped", "lunch!/@#$%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid := s.Assign(tt.prefix)
			assert.Regexp(t, uidPattern, uid)
		})
	}
}

func TestAssignUnique(t *testing.T) {
	s := newService()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		uid := s.Assign("x")
		assert.False(t, seen[uid], "duplicate uid %s", uid)
		seen[uid] = true
	}
}

func TestValidatePersistedWins(t *testing.T) {
	s := newService()
	ctx := context.Background()

	uid, err := s.Validate(ctx, 1, "first-100-aa@calsyncd.local")
	require.NoError(t, err)
	assert.Equal(t, "first-100-aa@calsyncd.local", uid)

	// a later claim with a different value must not change identity
	uid, err = s.Validate(ctx, 1, "other-200-bb@calsyncd.local")
	require.NoError(t, err)
	assert.Equal(t, "first-100-aa@calsyncd.local", uid)
}

func TestValidateAssignsWhenEmpty(t *testing.T) {
	s := newService()
	ctx := context.Background()

	uid, err := s.Validate(ctx, 7, "")
	require.NoError(t, err)
	assert.Regexp(t, uidPattern, uid)

	// stable on re-validation
	again, err := s.Validate(ctx, 7, "")
	require.NoError(t, err)
	assert.Equal(t, uid, again)
}

func TestValidateConflict(t *testing.T) {
	s := newService()
	ctx := context.Background()

	uid, err := s.Validate(ctx, 1, "shared-100-cc@calsyncd.local")
	require.NoError(t, err)

	_, err = s.Validate(ctx, 2, uid)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReleaseDoesNotReuse(t *testing.T) {
	s := newService()
	ctx := context.Background()

	uid, err := s.Validate(ctx, 1, "")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, 1))

	// a new event gets a fresh token, never the released one
	other, err := s.Validate(ctx, 2, "")
	require.NoError(t, err)
	assert.NotEqual(t, uid, other)
}
