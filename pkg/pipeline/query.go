package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/vyvo/lfs-builder/pkg/builder"
)

// IDPrefixLength is how much of a build id the public listing reveals.
const IDPrefixLength = 8

// BuildView is the status projection of one build. It never carries the
// owner's identity.
type BuildView struct {
	BuildID         string                `json:"buildId"`
	ProjectName     string                `json:"projectName"`
	LFSVersion      string                `json:"lfsVersion"`
	BuildOptions    builder.BuildOptions  `json:"buildOptions"`
	AdditionalNotes string                `json:"additionalNotes,omitempty"`
	Status          builder.Status        `json:"status"`
	TraceID         string                `json:"traceId"`
	Progress        int                   `json:"progress"`
	Stages          []string              `json:"stages"`
	Logs            []string              `json:"logs"`
	Error           *builder.BuildError   `json:"error,omitempty"`
	DownloadURLs    []string              `json:"downloadUrls"`
	Execution       *builder.ExecutionRef `json:"executionReference,omitempty"`
	SubmittedAt     time.Time             `json:"submittedAt"`
	PendingAt       *time.Time            `json:"pendingAt,omitempty"`
	StartedAt       *time.Time            `json:"startedAt,omitempty"`
	CompletedAt     *time.Time            `json:"completedAt,omitempty"`
	FailedAt        *time.Time            `json:"failedAt,omitempty"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

// RecentBuild is one anonymized entry of the public listing.
type RecentBuild struct {
	IDPrefix        string         `json:"idPrefix"`
	ProjectName     string         `json:"projectName"`
	LFSVersion      string         `json:"lfsVersion"`
	Status          builder.Status `json:"status"`
	SubmittedAt     time.Time      `json:"submittedAt"`
	DurationSeconds *float64       `json:"durationSeconds,omitempty"`
}

// Query serves read-only build status.
type Query struct {
	store        builder.Store
	defaultLimit int
	maxLimit     int
	opts         Options
}

func NewQuery(store builder.Store, defaultLimit, maxLimit int, opts Options) *Query {
	if maxLimit <= 0 {
		maxLimit = 50
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = 10
	}
	return &Query{store: store, defaultLimit: defaultLimit, maxLimit: maxLimit, opts: opts.withDefaults()}
}

// Get returns the status projection of id.
func (q *Query) Get(ctx context.Context, id string) (BuildView, error) {
	if err := builder.ValidateID(id); err != nil {
		return BuildView{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var (
		b      builder.Build
		stages []builder.Stage
	)
	err := q.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		if b, err = q.store.Get(ctx, id); err != nil {
			return err
		}
		stages, err = q.store.Stages(ctx, id)
		return err
	})
	if err != nil {
		return BuildView{}, err
	}

	view := BuildView{
		BuildID:         b.ID,
		ProjectName:     b.ProjectName,
		LFSVersion:      b.LFSVersion,
		BuildOptions:    b.Options,
		AdditionalNotes: b.AdditionalNotes,
		Status:          b.Status,
		TraceID:         b.TraceID,
		Progress:        b.Progress,
		Stages:          make([]string, 0, len(stages)),
		Logs:            b.Logs,
		Error:           b.Error,
		DownloadURLs:    b.DownloadURLs,
		Execution:       b.Execution,
		SubmittedAt:     b.SubmittedAt,
		PendingAt:       b.PendingAt,
		StartedAt:       b.StartedAt,
		CompletedAt:     b.CompletedAt,
		FailedAt:        b.FailedAt,
		UpdatedAt:       b.UpdatedAt,
	}
	for _, st := range stages {
		view.Stages = append(view.Stages, st.Name)
	}
	if view.Logs == nil {
		view.Logs = []string{}
	}
	if view.DownloadURLs == nil {
		view.DownloadURLs = []string{}
	}
	return view, nil
}

// Recent lists the newest builds without identifying fields. n <= 0 selects
// the default; larger values are capped.
func (q *Query) Recent(ctx context.Context, n int) ([]RecentBuild, error) {
	if n <= 0 {
		n = q.defaultLimit
	}
	if n > q.maxLimit {
		n = q.maxLimit
	}

	var builds []builder.Build
	err := q.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		builds, err = q.store.Query(ctx, builder.Filter{Limit: n})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]RecentBuild, 0, len(builds))
	for _, b := range builds {
		entry := RecentBuild{
			IDPrefix:    idPrefix(b.ID),
			ProjectName: b.ProjectName,
			LFSVersion:  b.LFSVersion,
			Status:      b.Status,
			SubmittedAt: b.SubmittedAt,
		}
		if d, ok := b.Duration(); ok {
			secs := d.Seconds()
			entry.DurationSeconds = &secs
		}
		out = append(out, entry)
	}
	return out, nil
}

func idPrefix(id string) string {
	if len(id) <= IDPrefixLength {
		// Short ids are still truncated so the full id never appears.
		return id[:len(id)/2]
	}
	return id[:IDPrefixLength]
}
