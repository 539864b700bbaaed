package builder

import (
	"errors"
	"testing"
	"time"
)

func TestValidateTransitionAllowsForwardEdges(t *testing.T) {
	edges := [][2]Status{
		{StatusSubmitted, StatusQueued},
		{StatusSubmitted, StatusFailed},
		{StatusSubmitted, StatusCancelled},
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusFailed},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
	}
	for _, edge := range edges {
		if err := ValidateTransition("b1", edge[0], edge[1]); err != nil {
			t.Fatalf("expected %s -> %s to be allowed, got %v", edge[0], edge[1], err)
		}
	}
}

func TestValidateTransitionRejectsBackwardAndTerminalEdges(t *testing.T) {
	edges := [][2]Status{
		{StatusQueued, StatusSubmitted},
		{StatusRunning, StatusQueued},
		{StatusSubmitted, StatusRunning},
		{StatusSubmitted, StatusSucceeded},
		{StatusSucceeded, StatusFailed},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusQueued},
		{StatusRunning, StatusRunning},
	}
	for _, edge := range edges {
		err := ValidateTransition("b1", edge[0], edge[1])
		if !IsTransitionError(err) {
			t.Fatalf("expected transition error for %s -> %s, got %v", edge[0], edge[1], err)
		}
	}
}

func TestValidateTransitionUnknownStatus(t *testing.T) {
	var unknown UnknownStatusError
	if err := ValidateTransition("b1", "bogus", StatusQueued); !errors.As(err, &unknown) {
		t.Fatalf("expected unknown status error, got %v", err)
	}
	if err := ValidateTransition("b1", StatusQueued, "bogus"); !errors.As(err, &unknown) {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestPatchApplyGuardAndTimestamps(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := Build{ID: "b1", Status: StatusSubmitted}

	err := Patch{ExpectedStatus: StatusQueued, Status: StatusRunning}.Apply(&b, now)
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
	if b.Status != StatusSubmitted {
		t.Fatalf("guard failure mutated status: %s", b.Status)
	}

	if err := (Patch{ExpectedStatus: StatusSubmitted, Status: StatusQueued}).Apply(&b, now); err != nil {
		t.Fatalf("apply queued: %v", err)
	}
	if b.PendingAt == nil || !b.PendingAt.Equal(now) {
		t.Fatalf("expected pendingAt stamped, got %v", b.PendingAt)
	}

	later := now.Add(time.Minute)
	if err := (Patch{Status: StatusFailed, Error: &BuildError{Message: "boom"}}).Apply(&b, later); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if b.FailedAt == nil || !b.FailedAt.Equal(later) || b.Error.Message != "boom" {
		t.Fatalf("unexpected failure fields: %+v", b)
	}
	if b.CompletedAt != nil {
		t.Fatalf("completedAt should not be set on failure")
	}

	if err := (Patch{Status: StatusCancelled, Force: true}).Apply(&b, later.Add(time.Minute)); err != nil {
		t.Fatalf("forced cancel: %v", err)
	}
	if b.Status != StatusCancelled || b.CompletedAt == nil {
		t.Fatalf("expected forced cancel, got %+v", b)
	}
	if !b.FailedAt.Equal(later) {
		t.Fatalf("failedAt must be set at most once")
	}
}

func TestPatchApplyClampsProgress(t *testing.T) {
	b := Build{ID: "b1", Status: StatusRunning}
	over := 150
	if err := (Patch{Progress: &over}).Apply(&b, time.Now()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if b.Progress != 100 {
		t.Fatalf("expected clamped progress 100, got %d", b.Progress)
	}
}

func TestValidateID(t *testing.T) {
	valid := []string{"abc", "A-b_9", NewID()}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Fatalf("expected %q valid, got %v", id, err)
		}
	}

	long := make([]byte, MaxIDLength+1)
	for i := range long {
		long[i] = 'a'
	}
	invalid := []string{"", "a/b", "../etc", "has space", string(long)}
	for _, id := range invalid {
		if err := ValidateID(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("expected %q invalid, got %v", id, err)
		}
	}
}
