// Package queue carries dispatch work items from the publisher to the
// dispatcher. Every backend delivers at least once and without ordering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/retry"
)

// Attribute keys carried next to every payload.
const (
	AttrBuildID     = "buildId"
	AttrTraceID     = "traceId"
	AttrProjectName = "projectName"
	AttrLFSVersion  = "lfsVersion"
)

// ErrDrop marks a delivery that must be acknowledged without retry.
var ErrDrop = errors.New("drop message")

// Message is the dispatch work item for one build.
type Message struct {
	BuildID         string               `json:"buildId"`
	UserID          string               `json:"userId"`
	ProjectName     string               `json:"projectName"`
	LFSVersion      string               `json:"lfsVersion"`
	Email           string               `json:"email,omitempty"`
	BuildOptions    builder.BuildOptions `json:"buildOptions"`
	AdditionalNotes string               `json:"additionalNotes,omitempty"`
	SubmittedAt     time.Time            `json:"submittedAt"`
	TraceID         string               `json:"traceId"`
}

// NewMessage builds the work item for b.
func NewMessage(b builder.Build) Message {
	return Message{
		BuildID:         b.ID,
		UserID:          b.UserID,
		ProjectName:     b.ProjectName,
		LFSVersion:      b.LFSVersion,
		Email:           b.Email,
		BuildOptions:    b.Options,
		AdditionalNotes: b.AdditionalNotes,
		SubmittedAt:     b.SubmittedAt,
		TraceID:         b.TraceID,
	}
}

// Attributes returns the routing attributes published with m.
func (m Message) Attributes() map[string]string {
	return map[string]string{
		AttrBuildID:     m.BuildID,
		AttrTraceID:     m.TraceID,
		AttrProjectName: m.ProjectName,
		AttrLFSVersion:  m.LFSVersion,
	}
}

// Decode parses a delivery payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// Delivery is one receipt of a message. Attempt starts at 1.
type Delivery struct {
	ID         string
	Payload    []byte
	Attributes map[string]string
	Attempt    int
}

// Handler processes a delivery. A nil return acknowledges it. ErrDrop or a
// retry.Permanent error acknowledges it without further processing. Any other
// error leaves it for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Publisher enqueues work items.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer delivers work items to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Disposition is what a backend does with a delivery after the handler returns.
type Disposition int

const (
	Ack Disposition = iota
	Drop
	Redeliver
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Drop:
		return "drop"
	default:
		return "redeliver"
	}
}

// Dispose classifies a handler result.
func Dispose(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrDrop), retry.IsPermanent(err):
		return Drop
	default:
		return Redeliver
	}
}

// Dropf returns an error that makes the delivery be dropped.
func Dropf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDrop, fmt.Sprintf(format, args...))
}
