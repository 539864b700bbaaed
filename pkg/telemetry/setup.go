package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vyvo/lfs-builder/pipeline"

// InitTracer configures a stdout tracer. When disabled the global no-op
// provider stays in place and the returned shutdown does nothing.
func InitTracer(ctx context.Context, serviceName string, enabled bool) func(context.Context) error {
	if !enabled {
		return func(context.Context) error { return nil }
	}
	exporter, err := stdouttrace.New()
	if err != nil {
		slog.Warn("telemetry exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetTracerProvider(provider)

	return provider.Shutdown
}

// StartStage opens a span for one pipeline stage of a build.
func StartStage(ctx context.Context, stage, buildID, traceID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, stage, trace.WithAttributes(
		attribute.String("build.id", buildID),
		attribute.String("build.trace_id", traceID),
	))
}

// EndStage records err on span, if any, and ends it.
func EndStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
