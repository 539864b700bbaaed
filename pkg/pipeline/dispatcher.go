package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/jobrunner"
	"github.com/vyvo/lfs-builder/pkg/queue"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

// DispatcherConfig names the job to run and where its outputs go.
type DispatcherConfig struct {
	Job    jobrunner.JobRef
	Bucket string
	// RunTimeout bounds one runner invocation including its own retries.
	RunTimeout time.Duration
}

// Dispatcher consumes work items and starts the build job. It is safe to run
// concurrently and to receive the same item more than once.
type Dispatcher struct {
	store  builder.Store
	runner jobrunner.Runner
	cfg    DispatcherConfig
	opts   Options
}

func NewDispatcher(store builder.Store, runner jobrunner.Runner, cfg DispatcherConfig, opts Options) *Dispatcher {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	return &Dispatcher{store: store, runner: runner, cfg: cfg, opts: opts.withDefaults()}
}

// Handle processes one delivery. It is a queue.Handler.
func (d *Dispatcher) Handle(ctx context.Context, del queue.Delivery) error {
	outcome, err := d.handle(ctx, del)
	d.opts.Metrics.IncDelivery(outcome)
	return err
}

func (d *Dispatcher) handle(ctx context.Context, del queue.Delivery) (outcome string, err error) {
	msg, err := queue.Decode(del.Payload)
	if err != nil {
		return "malformed", queue.Dropf("%v", err)
	}
	if err := builder.ValidateID(msg.BuildID); err != nil {
		return "malformed", queue.Dropf("%v", err)
	}

	ctx, span := telemetry.StartStage(ctx, builder.StageDispatch, msg.BuildID, msg.TraceID)
	defer func() { telemetry.EndStage(span, err) }()
	logger := telemetry.WithBuild(d.opts.Logger, msg.BuildID, msg.TraceID).With("attempt", del.Attempt)

	var current builder.Build
	err = d.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		current, err = d.store.Get(ctx, msg.BuildID)
		return err
	})
	if errors.Is(err, builder.ErrNotFound) {
		return "unknown_build", queue.Dropf("build %s not found", msg.BuildID)
	}
	if err != nil {
		return "error", fmt.Errorf("read build %s: %w", msg.BuildID, err)
	}
	if current.Status != builder.StatusQueued {
		logger.Info("delivery ignored", "status", current.Status)
		return "duplicate", nil
	}

	var change builder.Change
	err = d.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		change, err = d.store.Update(ctx, current.ID, builder.Patch{
			ExpectedStatus: builder.StatusQueued,
			Status:         builder.StatusRunning,
			At:             d.opts.Now(),
		})
		return err
	})
	if isNoop(err) {
		logger.Info("delivery ignored", "reason", err.Error())
		return "duplicate", nil
	}
	if err != nil {
		return "error", fmt.Errorf("start build %s: %w", current.ID, err)
	}
	d.opts.Metrics.IncTransition(string(builder.StatusRunning))
	running := change.After

	claimed, err := d.store.ClaimStage(ctx, running.ID, builder.StageDispatch, running.TraceID)
	if err != nil {
		markFailed(ctx, d.store, d.opts, running, builder.StatusRunning, "dispatch_failed", err)
		return "error", fmt.Errorf("record dispatch stage for %s: %w", running.ID, err)
	}
	if !claimed {
		logger.Info("delivery ignored", "reason", "dispatch stage already recorded")
		return "duplicate", nil
	}

	env, err := JobEnv(running, d.cfg.Bucket)
	if err != nil {
		markFailed(ctx, d.store, d.opts, running, builder.StatusRunning, "dispatch_failed", err)
		return "error", err
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.RunTimeout)
	exec, err := d.runner.Run(runCtx, jobrunner.Request{Job: d.cfg.Job, Env: env})
	cancel()
	if err != nil {
		d.opts.Metrics.IncFailure(builder.StageDispatch)
		logger.Error("job runner invocation failed", "error", err)
		markFailed(ctx, d.store, d.opts, running, builder.StatusRunning, "runner_failed", err)
		return "runner_failed", fmt.Errorf("run job for %s: %w", running.ID, err)
	}

	ref := &builder.ExecutionRef{Name: exec.Name, CreateTime: exec.CreateTime, UID: exec.UID}
	err = d.opts.Calls.Do(ctx, func(ctx context.Context) error {
		_, err := d.store.Update(ctx, running.ID, builder.Patch{Execution: ref})
		return err
	})
	if err != nil {
		// The job is already running; redelivery would not start it again.
		logger.Error("record execution reference failed", "execution", exec.Name, "error", err)
		return "dispatched", nil
	}

	logger.Info("build dispatched", "execution", exec.Name)
	return "dispatched", nil
}

type jobConfig struct {
	BuildID         string               `json:"buildId"`
	ProjectName     string               `json:"projectName"`
	LFSVersion      string               `json:"lfsVersion"`
	BuildOptions    builder.BuildOptions `json:"buildOptions"`
	AdditionalNotes string               `json:"additionalNotes,omitempty"`
	SubmittedAt     time.Time            `json:"submittedAt"`
	TraceID         string               `json:"traceId"`
}

// JobEnv renders the environment overrides for b's build job.
func JobEnv(b builder.Build, bucket string) (map[string]string, error) {
	raw, err := json.Marshal(jobConfig{
		BuildID:         b.ID,
		ProjectName:     b.ProjectName,
		LFSVersion:      b.LFSVersion,
		BuildOptions:    b.Options,
		AdditionalNotes: b.AdditionalNotes,
		SubmittedAt:     b.SubmittedAt,
		TraceID:         b.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job config: %w", err)
	}
	return map[string]string{
		jobrunner.EnvConfigJSON: string(raw),
		jobrunner.EnvBucket:     bucket,
		jobrunner.EnvBuildID:    b.ID,
		jobrunner.EnvTraceID:    b.TraceID,
	}, nil
}
