package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vyvo/lfs-builder/pkg/auth"
	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

// Submission defaults.
const (
	DefaultLFSVersion    = "12.0"
	DefaultKernelVersion = "6.4.12"
	DefaultOptimization  = "O2"
)

// SubmitRequest is the body of a build submission. Pointer fields distinguish
// "not sent" from false.
type SubmitRequest struct {
	ProjectName      string `json:"projectName"`
	LFSVersion       string `json:"lfsVersion,omitempty"`
	KernelVersion    string `json:"kernelVersion,omitempty"`
	Optimization     string `json:"optimization,omitempty"`
	EnableNetworking *bool  `json:"enableNetworking,omitempty"`
	EnableDebug      *bool  `json:"enableDebug,omitempty"`
	AdditionalNotes  string `json:"additionalNotes,omitempty"`
}

// BuildConfig is the effective configuration of a build after defaults.
type BuildConfig struct {
	ProjectName     string               `json:"projectName"`
	LFSVersion      string               `json:"lfsVersion"`
	BuildOptions    builder.BuildOptions `json:"buildOptions"`
	AdditionalNotes string               `json:"additionalNotes,omitempty"`
}

// SubmitResult is returned for an accepted submission.
type SubmitResult struct {
	BuildID string      `json:"buildId"`
	TraceID string      `json:"traceId"`
	Config  BuildConfig `json:"config"`
}

// Gateway accepts build submissions.
type Gateway struct {
	store    builder.Store
	verifier auth.Verifier
	opts     Options
}

func NewGateway(store builder.Store, verifier auth.Verifier, opts Options) *Gateway {
	return &Gateway{store: store, verifier: verifier, opts: opts.withDefaults()}
}

// Authenticate resolves the caller behind token. Failures match
// ErrUnauthorized.
func (g *Gateway) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	identity, err := g.authenticate(ctx, token)
	if err != nil {
		g.opts.Metrics.IncSubmission(submissionOutcome(err))
	}
	return identity, err
}

func (g *Gateway) authenticate(ctx context.Context, token string) (auth.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return auth.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, auth.ErrMissingToken)
	}
	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return identity, nil
}

// Submit creates a build for the caller identified by token. A caller that
// already owns an active build gets an error matching ErrConflict that
// carries the active build's id as *builder.ActiveBuildError.
func (g *Gateway) Submit(ctx context.Context, token string, req SubmitRequest) (SubmitResult, error) {
	identity, err := g.Authenticate(ctx, token)
	if err != nil {
		return SubmitResult{}, err
	}
	return g.SubmitAs(ctx, identity, req)
}

// SubmitAs is Submit for a caller that has already been authenticated.
func (g *Gateway) SubmitAs(ctx context.Context, identity auth.Identity, req SubmitRequest) (SubmitResult, error) {
	res, err := g.submit(ctx, identity, req)
	g.opts.Metrics.IncSubmission(submissionOutcome(err))
	return res, err
}

func (g *Gateway) submit(ctx context.Context, identity auth.Identity, req SubmitRequest) (SubmitResult, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return SubmitResult{}, fmt.Errorf("%w: identity has no user id", ErrUnauthorized)
	}

	var active []builder.Build
	err := g.opts.Calls.Do(ctx, func(ctx context.Context) error {
		var err error
		active, err = g.store.Query(ctx, builder.Filter{UserID: identity.UserID, Statuses: builder.ActiveStatuses, Limit: 1})
		return err
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("check active builds: %w", err)
	}
	if len(active) > 0 {
		return SubmitResult{}, &builder.ActiveBuildError{BuildID: active[0].ID}
	}

	cfg, err := effectiveConfig(req)
	if err != nil {
		return SubmitResult{}, err
	}

	build := builder.Build{
		UserID:          identity.UserID,
		Email:           identity.Email,
		ProjectName:     cfg.ProjectName,
		LFSVersion:      cfg.LFSVersion,
		Options:         cfg.BuildOptions,
		AdditionalNotes: cfg.AdditionalNotes,
		Status:          builder.StatusSubmitted,
		TraceID:         uuid.NewString(),
		SubmittedAt:     g.opts.Now(),
	}

	ctx, span := telemetry.StartStage(ctx, "submit", "", build.TraceID)
	var created builder.Build
	// Create is not retried: a lost response would otherwise surface as a
	// conflict against the caller's own build.
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Calls.Timeout)
	created, err = g.store.Create(callCtx, build)
	cancel()
	telemetry.EndStage(span, err)
	if err != nil {
		var activeErr *builder.ActiveBuildError
		if errors.As(err, &activeErr) {
			return SubmitResult{}, err
		}
		return SubmitResult{}, fmt.Errorf("create build: %w", err)
	}

	telemetry.WithBuild(g.opts.Logger, created.ID, created.TraceID).Info("build submitted",
		"user_id", created.UserID,
		"project", created.ProjectName,
		"lfs_version", created.LFSVersion)

	return SubmitResult{BuildID: created.ID, TraceID: created.TraceID, Config: cfg}, nil
}

func effectiveConfig(req SubmitRequest) (BuildConfig, error) {
	project := strings.TrimSpace(req.ProjectName)
	if project == "" {
		return BuildConfig{}, fmt.Errorf("%w: projectName is required", ErrInvalidArgument)
	}
	cfg := BuildConfig{
		ProjectName: project,
		LFSVersion:  valueOrDefault(req.LFSVersion, DefaultLFSVersion),
		BuildOptions: builder.BuildOptions{
			KernelVersion:    valueOrDefault(req.KernelVersion, DefaultKernelVersion),
			Optimization:     valueOrDefault(req.Optimization, DefaultOptimization),
			EnableNetworking: true,
			EnableDebug:      false,
		},
		AdditionalNotes: strings.TrimSpace(req.AdditionalNotes),
	}
	if req.EnableNetworking != nil {
		cfg.BuildOptions.EnableNetworking = *req.EnableNetworking
	}
	if req.EnableDebug != nil {
		cfg.BuildOptions.EnableDebug = *req.EnableDebug
	}
	return cfg, nil
}

func submissionOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}

func valueOrDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
