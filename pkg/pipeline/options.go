package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/vyvo/lfs-builder/pkg/retry"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

// Options carries the collaborators every stage shares.
type Options struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Calls   Calls
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Calls.Timeout <= 0 {
		o.Calls.Timeout = 10 * time.Second
	}
	if o.Calls.Policy == (retry.Policy{}) {
		o.Calls.Policy = retry.DefaultPolicy()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Calls bounds every network call a stage makes: each attempt gets Timeout,
// transient failures are retried under Policy.
type Calls struct {
	Timeout time.Duration
	Policy  retry.Policy
}

// Do runs fn under the call bounds. Domain errors (not found, guard failures,
// illegal transitions, conflicts) are returned on first sight, unwrapped.
func (c Calls) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var domain error
	err := c.Policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && isDomainError(err) {
			domain = err
			return retry.Permanent(err)
		}
		return err
	})
	if domain != nil {
		return domain
	}
	return err
}
