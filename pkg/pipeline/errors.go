package pipeline

import (
	"errors"

	"github.com/vyvo/lfs-builder/pkg/builder"
)

var (
	// ErrInvalidArgument covers missing or malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnauthorized is returned when the caller cannot be identified.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotRunning is returned when a job reports on a build that is no longer running.
	ErrNotRunning = errors.New("build is not running")

	ErrNotFound = builder.ErrNotFound
	ErrConflict = builder.ErrConflict
)

// isNoop reports whether err means another delivery or trigger already did
// the work: a failed guard or an edge the state machine rejects.
func isNoop(err error) bool {
	return errors.Is(err, builder.ErrStatusMismatch) || builder.IsTransitionError(err)
}

// isDomainError reports errors that retrying cannot change.
func isDomainError(err error) bool {
	return isNoop(err) ||
		errors.Is(err, builder.ErrNotFound) ||
		errors.Is(err, builder.ErrConflict) ||
		errors.Is(err, builder.ErrInvalidID)
}
