// Package scheduler drives periodic sync runs. A cron expression takes
// precedence when configured; otherwise runs fire at a fixed interval.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TriggerFunc fires one pass over all accounts; satisfied by
// sync.Supervisor.TriggerAll.
type TriggerFunc func(ctx context.Context, force bool)

type Scheduler struct {
	cron    *cron.Cron
	trigger TriggerFunc
	logger  zerolog.Logger
}

func New(spec string, interval time.Duration, trigger TriggerFunc, logger zerolog.Logger) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c, trigger: trigger, logger: logger}

	if spec != "" {
		if _, err := c.AddJob(spec, cron.FuncJob(s.tick)); err != nil {
			return nil, err
		}
		logger.Info().Str("schedule", spec).Msg("sync schedule configured")
	} else {
		c.Schedule(cron.Every(interval), cron.FuncJob(s.tick))
		logger.Info().Dur("interval", interval).Msg("sync interval configured")
	}
	return s, nil
}

func (s *Scheduler) tick() {
	s.logger.Debug().Msg("scheduled sync tick")
	s.trigger(context.Background(), false)
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling; the returned context is done once any
// in-flight tick has finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
