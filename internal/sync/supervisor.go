// Package sync implements the server-side orchestrator: one supervised
// runner per account that pulls remote state through the protocol
// adapter, reconciles it with the entity store, pushes local writes
// upstream and emits change notifications.
package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/rs/zerolog"

	"calsyncd/internal/caldav"
	"calsyncd/internal/cache"
	"calsyncd/internal/config"
	"calsyncd/internal/identity"
	"calsyncd/internal/push"
	"calsyncd/internal/storage"
	"calsyncd/pkg/ics"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
)

// Remote is the slice of the protocol adapter a runner needs. The
// concrete implementation is caldav.Client; tests substitute fakes.
type Remote interface {
	Discover(ctx context.Context) ([]caldav.RemoteCalendar, error)
	GetCTag(ctx context.Context, calendarHref string) (string, error)
	ListObjects(ctx context.Context, calendarHref string, w caldav.Window) ([]caldav.Object, error)
	GetObject(ctx context.Context, href string) (*caldav.Object, error)
	PutObject(ctx context.Context, href, etag string, data []byte) (string, error)
	DeleteObject(ctx context.Context, href, etag string) error
}

// RemoteFactory builds a protocol client for one account's endpoint.
type RemoteFactory func(a *storage.Account) (Remote, error)

type Supervisor struct {
	store   storage.Store
	hub     *push.Hub
	codec   *ics.Codec
	ids     *identity.Service
	factory RemoteFactory
	cfg     config.SyncConfig
	logger  zerolog.Logger

	discovery *cache.Cache[string, []caldav.RemoteCalendar]

	mu      stdsync.Mutex
	runners map[string]*runner
}

func NewSupervisor(store storage.Store, hub *push.Hub, codec *ics.Codec, ids *identity.Service, factory RemoteFactory, cfg config.SyncConfig, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:     store,
		hub:       hub,
		codec:     codec,
		ids:       ids,
		factory:   factory,
		cfg:       cfg,
		logger:    logger,
		discovery: cache.New[string, []caldav.RemoteCalendar](cfg.DiscoveryCacheTTL),
		runners:   make(map[string]*runner),
	}
}

// State reports the runner state for an account. Accounts that never
// ran are Idle.
func (s *Supervisor) State(accountID string) State {
	s.mu.Lock()
	r, ok := s.runners[accountID]
	s.mu.Unlock()
	if !ok {
		return StateIdle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Trigger requests a run for the account. A trigger while a run is in
// flight is a coalesced no-op unless force is set, in which case one
// extra run is queued behind the current one. Forced runs also bypass
// the ctag and etag fast paths.
func (s *Supervisor) Trigger(ctx context.Context, accountID string, force bool) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("trigger account %s: %w", accountID, err)
	}
	if !account.Enabled {
		return fmt.Errorf("account %s is disabled", accountID)
	}
	s.runner(accountID).trigger(force)
	return nil
}

// TriggerAll fires a trigger for every enabled account.
func (s *Supervisor) TriggerAll(ctx context.Context, force bool) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing accounts for sync trigger")
		return
	}
	for _, a := range accounts {
		if !a.Enabled {
			continue
		}
		s.runner(a.ID).trigger(force)
	}
}

func (s *Supervisor) runner(accountID string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[accountID]
	if !ok {
		r = &runner{accountID: accountID, sup: s, state: StateIdle}
		s.runners[accountID] = r
	}
	return r
}

// runner serializes all runs for one account. Different accounts run
// fully in parallel; within an account there is never more than one
// run in flight.
type runner struct {
	accountID string
	sup       *Supervisor

	mu      stdsync.Mutex
	state   State
	running bool
	queued  bool
	forced  bool
}

func (r *runner) trigger(force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		if force {
			r.queued = true
			r.forced = true
		}
		// non-forced triggers are covered by the in-flight run
		return
	}
	r.running = true
	r.state = StateRunning
	go r.loop(force)
}

func (r *runner) loop(force bool) {
	for {
		outcome, err := r.sup.runOnce(context.Background(), r.accountID, force)
		if err != nil {
			r.sup.logger.Error().Err(err).Str("account", r.accountID).Msg("sync run failed")
		} else {
			r.sup.logger.Info().
				Str("account", r.accountID).
				Int("pulled", outcome.Pulled).
				Int("pushed", outcome.Pushed).
				Int("purged", outcome.Purged).
				Int("conflicts", outcome.Conflicts).
				Int("calendars_skipped", outcome.CalendarsSkipped).
				Int("calendars_failed", outcome.CalendarsFailed).
				Dur("took", outcome.Took).
				Msg("sync run complete")
		}

		r.mu.Lock()
		if err != nil {
			r.state = StateError
		} else {
			r.state = StateIdle
		}
		if r.queued {
			r.queued = false
			force = r.forced
			r.forced = false
			r.state = StateRunning
			r.mu.Unlock()
			continue
		}
		r.running = false
		r.mu.Unlock()
		return
	}
}
