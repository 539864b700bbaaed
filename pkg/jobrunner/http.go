package jobrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyvo/lfs-builder/pkg/retry"
)

// HTTPRunner starts executions through a jobs API of the form
// POST {base}/v2/{job}:run.
type HTTPRunner struct {
	baseURL    string
	token      string
	httpClient *http.Client
	policy     retry.Policy
}

// NewHTTPRunner creates a jobs API client with sane defaults.
func NewHTTPRunner(baseURL, token string, policy retry.Policy) *HTTPRunner {
	return &HTTPRunner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		policy: policy,
	}
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type containerOverride struct {
	Env []envVar `json:"env"`
}

type runJobRequest struct {
	Overrides struct {
		ContainerOverrides []containerOverride `json:"containerOverrides"`
	} `json:"overrides"`
}

type executionMetadata struct {
	Name       string     `json:"name"`
	CreateTime *time.Time `json:"createTime,omitempty"`
	UID        string     `json:"uid,omitempty"`
}

type runJobResponse struct {
	executionMetadata
	Metadata *executionMetadata `json:"metadata,omitempty"`
}

// Run starts one execution. Server errors and transport failures are retried
// under the runner's policy; other rejections are permanent.
func (c *HTTPRunner) Run(ctx context.Context, req Request) (Execution, error) {
	var payload runJobRequest
	override := containerOverride{}
	for _, k := range sortedKeys(req.Env) {
		override.Env = append(override.Env, envVar{Name: k, Value: req.Env[k]})
	}
	payload.Overrides.ContainerOverrides = []containerOverride{override}

	body, err := json.Marshal(payload)
	if err != nil {
		return Execution{}, fmt.Errorf("marshal run request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v2/%s:run", c.baseURL, req.Job.Path())

	var out Execution
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		exec, err := c.run(ctx, endpoint, body)
		if err != nil {
			return err
		}
		out = exec
		return nil
	})
	return out, err
}

func (c *HTTPRunner) run(ctx context.Context, endpoint string, body []byte) (Execution, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Execution{}, retry.Permanent(fmt.Errorf("create run request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Execution{}, fmt.Errorf("run job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if err.Temporary() {
			return Execution{}, err
		}
		return Execution{}, retry.Permanent(err)
	}

	var decoded runJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Execution{}, retry.Permanent(fmt.Errorf("decode run response: %w", err))
	}
	meta := decoded.executionMetadata
	if decoded.Metadata != nil && decoded.Metadata.Name != "" {
		meta = *decoded.Metadata
	}
	if meta.Name == "" {
		return Execution{}, retry.Permanent(errors.New("run response has no execution name"))
	}
	return Execution(meta), nil
}

// StatusError is a non-2xx response from the jobs API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("run job failed: %d %s", e.Code, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}
