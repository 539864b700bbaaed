package builder

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a build cannot be located.
	ErrNotFound = errors.New("build not found")
	// ErrStatusMismatch is returned when a guarded update finds an unexpected status.
	ErrStatusMismatch = errors.New("build status mismatch")
	// ErrConflict is returned when the user already owns an active build.
	ErrConflict = errors.New("active build exists")
	// ErrInvalidID is returned for identifiers outside the allowed charset or length.
	ErrInvalidID = errors.New("invalid build id")
)

// ActiveBuildError carries the id of the build that blocks a new submission.
type ActiveBuildError struct {
	BuildID string
}

func (e *ActiveBuildError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConflict, e.BuildID)
}

func (e *ActiveBuildError) Is(target error) bool {
	return target == ErrConflict
}

// MaxIDLength bounds build identifiers accepted anywhere in the pipeline.
const MaxIDLength = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NewID returns a fresh build identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidateID rejects empty, overlong, or unsafe build identifiers.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q contains disallowed characters", ErrInvalidID, id)
	}
	return nil
}
