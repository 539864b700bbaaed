package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

// Notification kinds.
const (
	KindSucceeded = "build_succeeded"
	KindFailed    = "build_failed"
)

// Observer watches build updates and persists outbound notifications for
// terminal outcomes.
type Observer struct {
	store builder.Store
	opts  Options
}

func NewObserver(store builder.Store, opts Options) *Observer {
	return &Observer{store: store, opts: opts.withDefaults()}
}

// OnUpdate is the update trigger.
func (o *Observer) OnUpdate(ctx context.Context, change builder.Change) (err error) {
	after := change.After
	logger := telemetry.WithBuild(o.opts.Logger, after.ID, after.TraceID)

	if change.ExecutionChanged() && after.Execution != nil {
		logger.Info("execution reference recorded", "execution", after.Execution.Name, "execution_uid", after.Execution.UID)
	}

	if !change.StatusChanged() {
		return nil
	}
	var kind string
	switch after.Status {
	case builder.StatusSucceeded:
		kind = KindSucceeded
	case builder.StatusFailed:
		kind = KindFailed
	default:
		return nil
	}

	if strings.TrimSpace(after.Email) == "" {
		logger.Info("notification skipped", "reason", "no email on build", "status", after.Status)
		return nil
	}

	stage := builder.NotifyStage(after.Status)
	ctx, span := telemetry.StartStage(ctx, stage, after.ID, after.TraceID)
	defer func() { telemetry.EndStage(span, err) }()

	n := renderNotification(after, kind)
	n.ID = uuid.NewString()
	n.CreatedAt = o.opts.Now()

	var added bool
	err = o.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		added, err = o.store.AddNotification(ctx, n)
		return err
	})
	if err != nil {
		o.opts.Metrics.IncFailure(stage)
		return fmt.Errorf("persist notification for %s: %w", after.ID, err)
	}
	if !added {
		logger.Info("notification already persisted", "kind", kind)
		return nil
	}
	if _, err := o.store.ClaimStage(ctx, after.ID, stage, after.TraceID); err != nil {
		logger.Warn("record notify stage failed", "error", err)
	}
	o.opts.Metrics.IncNotification(kind)
	logger.Info("notification queued", "kind", kind)
	return nil
}

func renderNotification(b builder.Build, kind string) builder.Notification {
	n := builder.Notification{BuildID: b.ID, Kind: kind, To: b.Email, TraceID: b.TraceID}

	var body strings.Builder
	switch kind {
	case KindSucceeded:
		n.Subject = fmt.Sprintf("Your LFS build %q is ready", b.ProjectName)
		fmt.Fprintf(&body, "Your Linux From Scratch build %q (LFS %s) finished successfully.\n", b.ProjectName, b.LFSVersion)
		if d, ok := b.Duration(); ok {
			fmt.Fprintf(&body, "Build time: %s\n", d.Round(time.Second))
		}
		if len(b.DownloadURLs) > 0 {
			body.WriteString("\nDownloads:\n")
			for _, u := range b.DownloadURLs {
				fmt.Fprintf(&body, "  %s\n", u)
			}
		}
	default:
		n.Subject = fmt.Sprintf("Your LFS build %q failed", b.ProjectName)
		fmt.Fprintf(&body, "Your Linux From Scratch build %q (LFS %s) failed.\n", b.ProjectName, b.LFSVersion)
		if b.Error != nil && b.Error.Message != "" {
			fmt.Fprintf(&body, "Error: %s\n", b.Error.Message)
		}
	}
	fmt.Fprintf(&body, "\nBuild ID: %s\nTrace ID: %s\n", b.ID, b.TraceID)
	n.Body = body.String()
	return n
}
