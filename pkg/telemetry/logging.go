package telemetry

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	return NewLoggerTo(os.Stdout, component)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, component string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// WithBuild attaches the build id and its correlation id, so every line a
// stage emits for a build can be joined on trace_id.
func WithBuild(logger *slog.Logger, buildID, traceID string) *slog.Logger {
	if logger == nil {
		return logger
	}
	if buildID != "" {
		logger = logger.With("build_id", buildID)
	}
	if traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	return logger
}
