package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vyvo/lfs-builder/pkg/builder"
)

// CreateTrigger runs after a build record is created.
type CreateTrigger func(ctx context.Context, b builder.Build) error

// UpdateTrigger runs after a build record is updated.
type UpdateTrigger func(ctx context.Context, change builder.Change) error

// TriggeringStore is a builder.Store that fires create and update triggers
// after successful writes. Triggers run in the background with bounded
// concurrency; their errors are logged, never returned to the writer.
type TriggeringStore struct {
	builder.Store

	mu       sync.RWMutex
	onCreate []CreateTrigger
	onUpdate []UpdateTrigger

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	timeout time.Duration
	opts    Options
}

func NewTriggeringStore(store builder.Store, concurrency int64, timeout time.Duration, opts Options) *TriggeringStore {
	if concurrency <= 0 {
		concurrency = 32
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TriggeringStore{
		Store:   store,
		sem:     semaphore.NewWeighted(concurrency),
		timeout: timeout,
		opts:    opts.withDefaults(),
	}
}

func (s *TriggeringStore) OnCreate(fn CreateTrigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreate = append(s.onCreate, fn)
}

func (s *TriggeringStore) OnUpdate(fn UpdateTrigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = append(s.onUpdate, fn)
}

func (s *TriggeringStore) Create(ctx context.Context, b builder.Build) (builder.Build, error) {
	created, err := s.Store.Create(ctx, b)
	if err != nil {
		return created, err
	}
	s.mu.RLock()
	triggers := append([]CreateTrigger(nil), s.onCreate...)
	s.mu.RUnlock()
	for _, fn := range triggers {
		fn := fn
		s.fire(ctx, "create", created.ID, func(ctx context.Context) error { return fn(ctx, created) })
	}
	return created, nil
}

func (s *TriggeringStore) Update(ctx context.Context, id string, patch builder.Patch) (builder.Change, error) {
	change, err := s.Store.Update(ctx, id, patch)
	if err != nil {
		return change, err
	}
	s.mu.RLock()
	triggers := append([]UpdateTrigger(nil), s.onUpdate...)
	s.mu.RUnlock()
	for _, fn := range triggers {
		fn := fn
		s.fire(ctx, "update", id, func(ctx context.Context) error { return fn(ctx, change) })
	}
	return change, nil
}

// FireCreate runs the create triggers for an existing record, as the
// sweeper does for builds whose original trigger was lost.
func (s *TriggeringStore) FireCreate(ctx context.Context, b builder.Build) {
	s.mu.RLock()
	triggers := append([]CreateTrigger(nil), s.onCreate...)
	s.mu.RUnlock()
	for _, fn := range triggers {
		fn := fn
		s.fire(ctx, "create", b.ID, func(ctx context.Context) error { return fn(ctx, b) })
	}
}

// Wait blocks until every fired trigger, including ones fired by triggers,
// has returned.
func (s *TriggeringStore) Wait() {
	s.wg.Wait()
}

func (s *TriggeringStore) fire(ctx context.Context, kind, buildID string, fn func(ctx context.Context) error) {
	base := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(base, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		ctx, cancel := context.WithTimeout(base, s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.opts.Metrics.IncFailure("trigger_" + kind)
			s.opts.Logger.Error("trigger failed", "trigger", kind, "build_id", buildID, "error", err)
		}
	}()
}
