// Package identity issues and validates per-event UIDs. Every UID used
// in ICS generation or a remote write passes through Validate first, so
// an event's identity can never drift between tiers.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"calsyncd/internal/storage"
)

// ErrConflict means a claimed UID already belongs to a different entity.
var ErrConflict = errors.New("identity: uid belongs to another entity")

const defaultPrefix = "event"

type Service struct {
	store  storage.Store
	host   string
	logger zerolog.Logger
}

func NewService(store storage.Store, host string, logger zerolog.Logger) *Service {
	if host == "" {
		host = "calsyncd.local"
	}
	return &Service{store: store, host: host, logger: logger}
}

// Assign mints a new UID. The token embeds a timestamp and a random
// suffix and is restricted to characters every CalDAV server accepts.
func (s *Service) Assign(prefix string) string {
	prefix = sanitize(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return fmt.Sprintf("%s-%d-%s@%s", prefix, time.Now().Unix(), randSuffix(), s.host)
}

// Validate returns the UID that must be used for eventID. A persisted
// mapping always wins over the caller's claim; a claim owned by a
// different event fails with ErrConflict. A new mapping is persisted
// when none exists yet.
func (s *Service) Validate(ctx context.Context, eventID int64, claimedUID string) (string, error) {
	m, err := s.store.GetMappingByEvent(ctx, eventID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if m != nil {
		if claimedUID != "" && claimedUID != m.UID {
			s.logger.Warn().
				Int64("event_id", eventID).
				Str("claimed", claimedUID).
				Str("persisted", m.UID).
				Msg("claimed uid overridden by persisted mapping")
		}
		return m.UID, nil
	}

	uid := claimedUID
	if uid == "" {
		uid = s.Assign(defaultPrefix)
	} else {
		other, err := s.store.GetMappingByUID(ctx, uid)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		if other != nil && other.EventID != eventID {
			return "", fmt.Errorf("%w: %q held by event %d", ErrConflict, uid, other.EventID)
		}
	}

	if err := s.store.PutMapping(ctx, eventID, uid); err != nil {
		return "", err
	}
	return uid, nil
}

// Release drops the mapping for an event whose removal the remote side
// has confirmed. The UID itself is never reissued.
func (s *Service) Release(ctx context.Context, eventID int64) error {
	return s.store.DeleteMapping(ctx, eventID)
}

func randSuffix() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// sanitize keeps only characters safe for third-party CalDAV servers.
func sanitize(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			sb.WriteRune(r)
		case r == ' ':
			sb.WriteRune('-')
		}
	}
	return sb.String()
}
