package pipeline

import (
	"context"
	"fmt"

	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

// CancelMessage is recorded on builds cancelled through the override.
const CancelMessage = "Build cancelled by administrator"

// Admin is the out-of-band override. It does not signal running jobs.
type Admin struct {
	store builder.Store
	opts  Options
}

func NewAdmin(store builder.Store, opts Options) *Admin {
	return &Admin{store: store, opts: opts.withDefaults()}
}

// Cancel forces id to cancelled regardless of its current status.
func (a *Admin) Cancel(ctx context.Context, id string) (builder.Build, error) {
	if err := builder.ValidateID(id); err != nil {
		return builder.Build{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var change builder.Change
	err := a.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		change, err = a.store.Update(ctx, id, builder.Patch{
			Status: builder.StatusCancelled,
			Force:  true,
			At:     a.opts.Now(),
			Error:  &builder.BuildError{Message: CancelMessage, Code: "cancelled"},
		})
		return err
	})
	if err != nil {
		return builder.Build{}, fmt.Errorf("cancel build %s: %w", id, err)
	}

	after := change.After
	a.opts.Metrics.IncTransition(string(builder.StatusCancelled))
	telemetry.WithBuild(a.opts.Logger, after.ID, after.TraceID).Warn("build cancelled by administrator",
		"previous_status", change.Before.Status)
	return after, nil
}
