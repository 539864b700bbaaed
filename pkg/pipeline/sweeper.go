package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/vyvo/lfs-builder/pkg/builder"
)

// Sweeper periodically recovers builds stuck before dispatch: submitted
// builds whose create trigger was lost get it fired again, and queued builds
// without a recorded publish stage are published again. Both paths rely on
// guarded updates, so a build is never queued or run twice.
type Sweeper struct {
	store      builder.Store
	fire       func(ctx context.Context, b builder.Build)
	publisher  *Publisher
	staleAfter time.Duration
	interval   time.Duration
	scheduler  gocron.Scheduler
	opts       Options
}

func NewSweeper(store *TriggeringStore, publisher *Publisher, interval, staleAfter time.Duration, opts Options) (*Sweeper, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Sweeper{
		store:      store,
		fire:       store.FireCreate,
		publisher:  publisher,
		staleAfter: staleAfter,
		interval:   interval,
		scheduler:  s,
		opts:       opts.withDefaults(),
	}, nil
}

// Start schedules the sweep and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			defer cancel()
			if _, err := s.Sweep(ctx); err != nil {
				s.opts.Logger.Error("sweep failed", "error", err)
			}
		}),
		gocron.WithName("stale-build-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.opts.Logger.Info("starting sweeper", "interval", s.interval, "stale_after", s.staleAfter)
	s.scheduler.Start()
	return nil
}

func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep runs one recovery pass and returns how many builds it acted on.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.staleAfter)
	var stale []builder.Build
	err := s.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		stale, err = s.store.Query(ctx, builder.Filter{
			Statuses:        []builder.Status{builder.StatusSubmitted, builder.StatusQueued},
			SubmittedBefore: cutoff,
			Limit:           100,
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, b := range stale {
		switch b.Status {
		case builder.StatusSubmitted:
			s.opts.Logger.Warn("re-firing create trigger", "build_id", b.ID, "trace_id", b.TraceID, "submitted_at", b.SubmittedAt)
			s.fire(ctx, b)
			acted++
		case builder.StatusQueued:
			if b.PendingAt != nil && b.PendingAt.After(cutoff) {
				continue
			}
			published, err := s.publisher.Republish(ctx, b)
			if err != nil {
				s.opts.Logger.Error("republish failed", "build_id", b.ID, "trace_id", b.TraceID, "error", err)
				continue
			}
			if published {
				acted++
			}
		}
	}
	return acted, nil
}
