package builder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the durable record store for builds and their auxiliary
// collections (active-build markers, stage ledger, outbound notifications).
type Store interface {
	// Create assigns an id, stamps submission time, and claims the owner's
	// active-build marker in one step. A held marker yields *ActiveBuildError.
	Create(ctx context.Context, build Build) (Build, error)
	Get(ctx context.Context, id string) (Build, error)
	// Update applies patch. A failed ExpectedStatus guard yields ErrStatusMismatch,
	// an illegal edge yields TransitionError; neither mutates the record.
	Update(ctx context.Context, id string, patch Patch) (Change, error)
	Query(ctx context.Context, filter Filter) ([]Build, error)
	// ClaimStage records a completed stage; false means it was already recorded.
	ClaimStage(ctx context.Context, buildID, stage, traceID string) (bool, error)
	Stages(ctx context.Context, buildID string) ([]Stage, error)
	// AddNotification persists n unless one with the same build and kind exists.
	AddNotification(ctx context.Context, n Notification) (bool, error)
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// MemStore keeps build records in memory. It backs tests and single-process
// development setups.
type MemStore struct {
	mu            sync.RWMutex
	builds        map[string]*Build
	active        map[string]string
	stages        map[string][]Stage
	notifications map[string]Notification
	now           func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		builds:        make(map[string]*Build),
		active:        make(map[string]string),
		stages:        make(map[string][]Stage),
		notifications: make(map[string]Notification),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) Create(_ context.Context, build Build) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if build.ID == "" {
		build.ID = NewID()
	}
	if err := ValidateID(build.ID); err != nil {
		return Build{}, err
	}
	if _, exists := s.builds[build.ID]; exists {
		return Build{}, fmt.Errorf("build %s already exists", build.ID)
	}
	if build.UserID != "" {
		if holder, ok := s.active[build.UserID]; ok {
			if rec, found := s.builds[holder]; found && IsActive(rec.Status) {
				return Build{}, &ActiveBuildError{BuildID: holder}
			}
		}
	}

	now := s.now()
	if build.Status == "" {
		build.Status = StatusSubmitted
	}
	if build.SubmittedAt.IsZero() {
		build.SubmittedAt = now
	}
	build.UpdatedAt = now

	rec := cloneBuild(build)
	s.builds[build.ID] = &rec
	if build.UserID != "" && IsActive(build.Status) {
		s.active[build.UserID] = build.ID
	}
	return cloneBuild(rec), nil
}

func (s *MemStore) Get(_ context.Context, id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.builds[id]
	if !ok {
		return Build{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneBuild(*rec), nil
}

func (s *MemStore) Update(_ context.Context, id string, patch Patch) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.builds[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	before := cloneBuild(*rec)
	after := cloneBuild(*rec)
	if err := patch.Apply(&after, s.now()); err != nil {
		return Change{}, err
	}
	*rec = after

	if !IsActive(after.Status) && s.active[after.UserID] == after.ID {
		delete(s.active, after.UserID)
	}
	return Change{Before: before, After: cloneBuild(after)}, nil
}

func (s *MemStore) Query(_ context.Context, filter Filter) ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0)
	for _, rec := range s.builds {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, rec.Status) {
			continue
		}
		if !filter.SubmittedBefore.IsZero() && !rec.SubmittedAt.Before(filter.SubmittedBefore) {
			continue
		}
		result = append(result, cloneBuild(*rec))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].SubmittedAt.After(result[j].SubmittedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemStore) ClaimStage(_ context.Context, buildID, stage, traceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.stages[buildID] {
		if existing.Name == stage {
			return false, nil
		}
	}
	s.stages[buildID] = append(s.stages[buildID], Stage{
		BuildID:    buildID,
		Name:       stage,
		TraceID:    traceID,
		RecordedAt: s.now(),
	})
	return true, nil
}

func (s *MemStore) Stages(_ context.Context, buildID string) ([]Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Stage(nil), s.stages[buildID]...), nil
}

func (s *MemStore) AddNotification(_ context.Context, n Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.BuildID + "|" + n.Kind
	if _, exists := s.notifications[key]; exists {
		return false, nil
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications[key] = n
	return true, nil
}

// Notifications lists persisted notifications for a build.
func (s *MemStore) Notifications(buildID string) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Notification
	for _, n := range s.notifications {
		if n.BuildID == buildID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func containsStatus(list []Status, target Status) bool {
	for _, candidate := range list {
		if candidate == target {
			return true
		}
	}
	return false
}

func cloneBuild(b Build) Build {
	out := b
	out.PendingAt = cloneTime(b.PendingAt)
	out.StartedAt = cloneTime(b.StartedAt)
	out.CompletedAt = cloneTime(b.CompletedAt)
	out.FailedAt = cloneTime(b.FailedAt)
	if b.Error != nil {
		e := *b.Error
		out.Error = &e
	}
	if b.Execution != nil {
		ref := *b.Execution
		ref.CreateTime = cloneTime(b.Execution.CreateTime)
		out.Execution = &ref
	}
	out.DownloadURLs = append([]string(nil), b.DownloadURLs...)
	out.Logs = append([]string(nil), b.Logs...)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
