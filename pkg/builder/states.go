package builder

import (
	"errors"
	"fmt"
	"time"
)

var transitions = map[Status][]Status{
	StatusSubmitted: {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:    {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// TransitionError signals an attempted status change outside the build state machine.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("build %s: invalid transition from %s to %s", e.ID, e.From, e.To)
}

// UnknownStatusError signals a status value that is not part of the state machine.
type UnknownStatusError struct {
	Status Status
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("build: unknown status %q", e.Status)
}

// ValidateTransition checks a single edge against the transition table.
func ValidateTransition(id string, from, to Status) error {
	allowed, ok := transitions[from]
	if !ok {
		return UnknownStatusError{Status: from}
	}
	if !IsKnown(to) {
		return UnknownStatusError{Status: to}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{ID: id, From: from, To: to}
}

// IsKnown reports whether s is one of the defined statuses.
func IsKnown(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s accepts no further transitions.
func IsTerminal(s Status) bool {
	allowed, ok := transitions[s]
	return ok && len(allowed) == 0
}

// IsActive reports whether s counts against the per-user active build limit.
func IsActive(s Status) bool {
	return IsKnown(s) && !IsTerminal(s)
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

// Apply mutates b according to p. It is shared by every Store implementation
// so that guard, transition, and set-once timestamp rules are identical.
func (p Patch) Apply(b *Build, now time.Time) error {
	if p.ExpectedStatus != "" && b.Status != p.ExpectedStatus {
		return fmt.Errorf("%w: build %s is %s, expected %s", ErrStatusMismatch, b.ID, b.Status, p.ExpectedStatus)
	}

	at := p.At
	if at.IsZero() {
		at = now
	}

	if p.Status != "" && p.Status != b.Status {
		if !p.Force {
			if err := ValidateTransition(b.ID, b.Status, p.Status); err != nil {
				return err
			}
		} else if !IsKnown(p.Status) {
			return UnknownStatusError{Status: p.Status}
		}
		b.Status = p.Status
		stamp(b, p.Status, at)
	}

	if p.Error != nil {
		e := *p.Error
		b.Error = &e
	}
	if p.Execution != nil {
		ref := *p.Execution
		b.Execution = &ref
	}
	if p.DownloadURLs != nil {
		b.DownloadURLs = append([]string(nil), p.DownloadURLs...)
	}
	if p.Progress != nil {
		progress := *p.Progress
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		b.Progress = progress
	}
	if len(p.AppendLogs) > 0 {
		b.Logs = append(b.Logs, p.AppendLogs...)
	}
	if b.Status == StatusSucceeded {
		b.Progress = 100
	}
	b.UpdatedAt = now
	return nil
}

func stamp(b *Build, status Status, at time.Time) {
	set := func(field **time.Time) {
		if *field == nil {
			t := at
			*field = &t
		}
	}
	switch status {
	case StatusQueued:
		set(&b.PendingAt)
	case StatusRunning:
		set(&b.StartedAt)
	case StatusSucceeded, StatusCancelled:
		set(&b.CompletedAt)
	case StatusFailed:
		set(&b.FailedAt)
	}
}
