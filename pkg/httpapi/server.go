// Package httpapi exposes the build pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/lfs-builder/pkg/auth"
	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/pipeline"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

const maxBodyBytes = 1 << 20

// Config holds the HTTP surface settings.
type Config struct {
	// AdminToken guards /admin when set.
	AdminToken string
	// InternalToken guards /internal when set.
	InternalToken  string
	RequestTimeout time.Duration
	// Ping reports backing store health for /healthz. Optional.
	Ping func(ctx context.Context) error
}

type Server struct {
	pipeline *pipeline.Pipeline
	cfg      Config
	logger   *slog.Logger
}

func New(p *pipeline.Pipeline, cfg Config, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipeline: p, cfg: cfg, logger: logger}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", telemetry.MetricsHandler())

	r.Route("/builds", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleRecent)
		r.Get("/{buildId}", s.handleGetBuild)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(s.cfg.AdminToken))
		r.Get("/admin/cancel", s.handleCancel)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(s.cfg.InternalToken))
		r.Post("/internal/builds/{buildId}/report", s.handleReport)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ping != nil {
		if err := s.cfg.Ping(r.Context()); err != nil {
			respondJSON(w, map[string]string{"status": "degraded", "store": err.Error()}, http.StatusServiceUnavailable)
			return
		}
	}
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	// A missing or malformed header is reported by the gateway as unauthorized.
	token, _ := auth.ExtractBearer(r)
	identity, err := s.pipeline.Gateway.Authenticate(r.Context(), token)
	if err != nil {
		s.fail(w, r, start, err)
		return
	}

	var req pipeline.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.pipeline.Gateway.SubmitAs(r.Context(), identity, req)
	if err != nil {
		s.fail(w, r, start, err)
		return
	}
	respondJSON(w, res, http.StatusCreated)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	view, err := s.pipeline.Query.Get(r.Context(), chi.URLParam(r, "buildId"))
	if err != nil {
		s.fail(w, r, start, err)
		return
	}
	respondJSON(w, view, http.StatusOK)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n := 0
	if raw := r.URL.Query().Get("recent"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "recent must be a non-negative integer")
			return
		}
		n = parsed
	}

	builds, err := s.pipeline.Query.Recent(r.Context(), n)
	if err != nil {
		s.fail(w, r, start, err)
		return
	}
	respondJSON(w, map[string]any{"builds": builds}, http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.URL.Query().Get("buildId")
	if id == "" {
		http.Error(w, "Missing buildId", http.StatusBadRequest)
		return
	}

	_, err := s.pipeline.Admin.Cancel(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logFailure(r, start, err)
			http.Error(w, "Error cancelling build", status)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Build %s cancelled", id)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var report pipeline.Report
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&report); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b, err := s.pipeline.Completion.Apply(r.Context(), chi.URLParam(r, "buildId"), report)
	if err != nil {
		s.fail(w, r, start, err)
		return
	}
	respondJSON(w, map[string]any{
		"buildId":  b.ID,
		"status":   b.Status,
		"progress": b.Progress,
	}, http.StatusOK)
}

// fail maps err to a response. Unclassified errors are logged and hidden
// behind a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		s.logFailure(r, start, err)
		respondError(w, status, "internal error")
	case http.StatusConflict:
		var active *builder.ActiveBuildError
		if errors.As(err, &active) {
			respondJSON(w, map[string]string{
				"error":         "an active build already exists",
				"activeBuildId": active.BuildID,
			}, status)
			return
		}
		respondError(w, status, err.Error())
	default:
		respondError(w, status, err.Error())
	}
}

func (s *Server) logFailure(r *http.Request, start time.Time, err error) {
	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, pipeline.ErrConflict), errors.Is(err, pipeline.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
