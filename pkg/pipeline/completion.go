package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyvo/lfs-builder/pkg/artifacts"
	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

// Report is what a running build job sends back: progress, log lines, and
// finally its outcome.
type Report struct {
	Status       builder.Status      `json:"status,omitempty"`
	Progress     *int                `json:"progress,omitempty"`
	Logs         []string            `json:"logs,omitempty"`
	DownloadURLs []string            `json:"downloadUrls,omitempty"`
	Artifacts    []string            `json:"artifacts,omitempty"`
	Error        *builder.BuildError `json:"error,omitempty"`
}

// Completion applies job reports to running builds.
type Completion struct {
	store  builder.Store
	linker artifacts.Linker
	opts   Options
}

// NewCompletion builds the report handler. linker may be nil when no
// artifact bucket is configured.
func NewCompletion(store builder.Store, linker artifacts.Linker, opts Options) *Completion {
	return &Completion{store: store, linker: linker, opts: opts.withDefaults()}
}

// Apply records r on build id. Only running builds accept reports.
func (c *Completion) Apply(ctx context.Context, id string, r Report) (builder.Build, error) {
	if err := builder.ValidateID(id); err != nil {
		return builder.Build{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	switch r.Status {
	case "", builder.StatusSucceeded, builder.StatusFailed:
	default:
		return builder.Build{}, fmt.Errorf("%w: status %q cannot be reported", ErrInvalidArgument, r.Status)
	}

	patch := builder.Patch{
		ExpectedStatus: builder.StatusRunning,
		Status:         r.Status,
		At:             c.opts.Now(),
		Progress:       r.Progress,
		AppendLogs:     r.Logs,
	}
	// error is only ever recorded alongside the failed transition.
	if r.Status == builder.StatusFailed {
		patch.Error = r.Error
		if patch.Error == nil {
			patch.Error = &builder.BuildError{Message: "build job reported failure", Code: "job_failed"}
		}
	}

	urls, err := c.downloadURLs(ctx, id, r)
	if err != nil {
		return builder.Build{}, err
	}
	if len(urls) > 0 {
		patch.DownloadURLs = urls
	}

	var change builder.Change
	err = c.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		change, err = c.store.Update(ctx, id, patch)
		return err
	})
	if errors.Is(err, builder.ErrStatusMismatch) {
		return builder.Build{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	if err != nil {
		return builder.Build{}, err
	}

	after := change.After
	if change.StatusChanged() {
		c.opts.Metrics.IncTransition(string(after.Status))
		telemetry.WithBuild(c.opts.Logger, after.ID, after.TraceID).Info("build finished",
			"status", after.Status,
			"downloads", len(after.DownloadURLs))
	}
	return after, nil
}

func (c *Completion) downloadURLs(ctx context.Context, id string, r Report) ([]string, error) {
	urls := append([]string(nil), r.DownloadURLs...)
	if len(r.Artifacts) == 0 {
		return urls, nil
	}
	if c.linker == nil {
		c.opts.Logger.Warn("artifacts reported without an artifact store", "build_id", id, "count", len(r.Artifacts))
		return urls, nil
	}
	for _, key := range r.Artifacts {
		link, err := c.linker.Link(ctx, id, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		urls = append(urls, link)
	}
	return urls, nil
}
