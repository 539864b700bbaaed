package builder

import "time"

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses are the non-terminal states counted against the one-build-per-user limit.
var ActiveStatuses = []Status{StatusSubmitted, StatusQueued, StatusRunning}

// BuildOptions carries the toolchain knobs forwarded to the build job.
type BuildOptions struct {
	KernelVersion    string `json:"kernelVersion"`
	Optimization     string `json:"optimization"`
	EnableNetworking bool   `json:"enableNetworking"`
	EnableDebug      bool   `json:"enableDebug"`
}

// BuildError is recorded when a build fails or is cancelled.
type BuildError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ExecutionRef identifies the external job execution started for a build.
type ExecutionRef struct {
	Name       string     `json:"name"`
	CreateTime *time.Time `json:"createTime,omitempty"`
	UID        string     `json:"uid,omitempty"`
}

// Build describes a user-requested LFS build tracked by the pipeline.
type Build struct {
	ID              string        `json:"buildId"`
	UserID          string        `json:"userId"`
	Email           string        `json:"email,omitempty"`
	ProjectName     string        `json:"projectName"`
	LFSVersion      string        `json:"lfsVersion"`
	Options         BuildOptions  `json:"buildOptions"`
	AdditionalNotes string        `json:"additionalNotes,omitempty"`
	Status          Status        `json:"status"`
	TraceID         string        `json:"traceId"`
	SubmittedAt     time.Time     `json:"submittedAt"`
	PendingAt       *time.Time    `json:"pendingAt,omitempty"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	FailedAt        *time.Time    `json:"failedAt,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	Error           *BuildError   `json:"error,omitempty"`
	Execution       *ExecutionRef `json:"executionReference,omitempty"`
	DownloadURLs    []string      `json:"downloadUrls,omitempty"`
	Progress        int           `json:"progress"`
	Logs            []string      `json:"logs,omitempty"`
}

// FinishedAt returns the terminal timestamp, if any.
func (b Build) FinishedAt() *time.Time {
	if b.CompletedAt != nil {
		return b.CompletedAt
	}
	return b.FailedAt
}

// Duration reports how long the build ran, measured from start (or submission)
// to its terminal timestamp. ok is false while the build is still active.
func (b Build) Duration() (time.Duration, bool) {
	end := b.FinishedAt()
	if end == nil {
		return 0, false
	}
	start := b.SubmittedAt
	if b.StartedAt != nil {
		start = *b.StartedAt
	}
	if end.Before(start) {
		return 0, true
	}
	return end.Sub(start), true
}

// Change is the before/after pair produced by a successful update.
type Change struct {
	Before Build
	After  Build
}

// StatusChanged reports whether the update moved the build to a new status.
func (c Change) StatusChanged() bool {
	return c.Before.Status != c.After.Status
}

// ExecutionChanged reports whether the execution reference was set or replaced.
func (c Change) ExecutionChanged() bool {
	before, after := c.Before.Execution, c.After.Execution
	switch {
	case before == nil && after == nil:
		return false
	case before == nil || after == nil:
		return true
	default:
		return before.Name != after.Name || before.UID != after.UID
	}
}

// Patch describes a partial update to a build. ExpectedStatus, when set,
// guards the write: the update applies only if the stored status matches.
type Patch struct {
	ExpectedStatus Status
	Status         Status
	// Force skips transition validation. Only the administrative override sets it.
	Force        bool
	At           time.Time
	Error        *BuildError
	Execution    *ExecutionRef
	DownloadURLs []string
	Progress     *int
	AppendLogs   []string
}

// Filter narrows a Query. Results are always ordered newest first.
type Filter struct {
	UserID          string
	Statuses        []Status
	SubmittedBefore time.Time
	Limit           int
}

// Stage is one completed, named pipeline step for a build.
type Stage struct {
	BuildID    string    `json:"buildId"`
	Name       string    `json:"name"`
	TraceID    string    `json:"traceId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Pipeline stage names recorded in the stage ledger.
const (
	StagePublish  = "publish"
	StageDispatch = "dispatch"
)

// NotifyStage returns the ledger stage for a terminal notification.
func NotifyStage(status Status) string {
	return "notify:" + string(status)
}

// Notification is an outbound message persisted for an external mailer.
type Notification struct {
	ID        string    `json:"id"`
	BuildID   string    `json:"buildId"`
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	TraceID   string    `json:"traceId"`
	CreatedAt time.Time `json:"createdAt"`
}
