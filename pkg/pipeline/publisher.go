package pipeline

import (
	"context"
	"fmt"

	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/queue"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

// Publisher moves newly created builds to queued and enqueues their work item.
type Publisher struct {
	store builder.Store
	queue queue.Publisher
	opts  Options
}

func NewPublisher(store builder.Store, q queue.Publisher, opts Options) *Publisher {
	return &Publisher{store: store, queue: q, opts: opts.withDefaults()}
}

// OnCreate is the create trigger. A build that already left submitted is a
// duplicate trigger and is ignored.
func (p *Publisher) OnCreate(ctx context.Context, created builder.Build) (err error) {
	ctx, span := telemetry.StartStage(ctx, builder.StagePublish, created.ID, created.TraceID)
	defer func() { telemetry.EndStage(span, err) }()
	logger := telemetry.WithBuild(p.opts.Logger, created.ID, created.TraceID)

	var current builder.Build
	err = p.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		current, err = p.store.Get(ctx, created.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("read build %s: %w", created.ID, err)
	}
	if current.Status != builder.StatusSubmitted {
		logger.Info("create trigger ignored", "status", current.Status)
		return nil
	}

	var change builder.Change
	err = p.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		change, err = p.store.Update(ctx, current.ID, builder.Patch{
			ExpectedStatus: builder.StatusSubmitted,
			Status:         builder.StatusQueued,
			At:             p.opts.Now(),
		})
		return err
	})
	if isNoop(err) {
		logger.Info("create trigger ignored", "reason", err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue build %s: %w", current.ID, err)
	}
	p.opts.Metrics.IncTransition(string(builder.StatusQueued))

	return p.publish(ctx, change.After)
}

// Republish enqueues a queued build whose publish stage was never recorded.
// It reports whether a message was published.
func (p *Publisher) Republish(ctx context.Context, b builder.Build) (bool, error) {
	if b.Status != builder.StatusQueued {
		return false, nil
	}
	stages, err := p.store.Stages(ctx, b.ID)
	if err != nil {
		return false, err
	}
	for _, st := range stages {
		if st.Name == builder.StagePublish {
			return false, nil
		}
	}
	telemetry.WithBuild(p.opts.Logger, b.ID, b.TraceID).Warn("republishing build without publish stage")
	if err := p.publish(ctx, b); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Publisher) publish(ctx context.Context, b builder.Build) error {
	logger := telemetry.WithBuild(p.opts.Logger, b.ID, b.TraceID)
	msg := queue.NewMessage(b)

	err := p.opts.Calls.Do(ctx, func(ctx context.Context) error {
		return p.queue.Publish(ctx, msg)
	})
	if err != nil {
		p.opts.Metrics.IncFailure(builder.StagePublish)
		logger.Error("publish failed", "error", err)
		markFailed(ctx, p.store, p.opts, b, builder.StatusQueued, "publish_failed", err)
		return fmt.Errorf("publish build %s: %w", b.ID, err)
	}

	if _, err := p.store.ClaimStage(ctx, b.ID, builder.StagePublish, b.TraceID); err != nil {
		logger.Warn("record publish stage failed", "error", err)
	}
	logger.Info("build queued", "project", b.ProjectName, "lfs_version", b.LFSVersion)
	return nil
}

// markFailed records cause on the build. It never masks cause: a failure to
// write is only logged.
func markFailed(ctx context.Context, store builder.Store, opts Options, b builder.Build, expected builder.Status, code string, cause error) {
	logger := telemetry.WithBuild(opts.Logger, b.ID, b.TraceID)
	err := opts.Calls.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		_, err := store.Update(ctx, b.ID, builder.Patch{
			ExpectedStatus: expected,
			Status:         builder.StatusFailed,
			At:             opts.Now(),
			Error:          &builder.BuildError{Message: cause.Error(), Code: code},
		})
		return err
	})
	if err != nil {
		logger.Error("record build failure failed", "error", err, "cause", cause)
		return
	}
	opts.Metrics.IncTransition(string(builder.StatusFailed))
}
