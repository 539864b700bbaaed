// Package jobrunner starts the isolated compute job that performs a build.
// The job itself is opaque: it receives a name and environment overrides and
// hands back an execution handle.
package jobrunner

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Environment keys passed to every build job.
const (
	EnvConfigJSON = "LFS_CONFIG_JSON"
	EnvBucket     = "GCS_BUCKET"
	EnvBuildID    = "BUILD_ID"
	EnvTraceID    = "TRACE_ID"
)

// JobRef names the job definition to execute.
type JobRef struct {
	Namespace string
	Location  string
	Name      string
}

// Path renders the fully qualified job name.
func (j JobRef) Path() string {
	return fmt.Sprintf("projects/%s/locations/%s/jobs/%s", j.Namespace, j.Location, j.Name)
}

// Request is one job invocation.
type Request struct {
	Job JobRef
	Env map[string]string
}

// Execution is the handle returned for a started job.
type Execution struct {
	Name       string
	CreateTime *time.Time
	UID        string
}

// Runner starts build jobs.
type Runner interface {
	Run(ctx context.Context, req Request) (Execution, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (Execution, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (Execution, error) {
	return f(ctx, req)
}

func sortedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
