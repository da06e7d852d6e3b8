// Package telemetry wires eager runs into Clue logging and OpenTelemetry
// metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures the structured logging used by the runner and engine
	// adapters. Implementations typically delegate to Clue.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so callers remain agnostic of the
	// OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	//
	//	ctx, span := tracer.Start(ctx, "eager.dispatch")
	//	defer span.End()
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric and span names emitted by eager runs.
const (
	SpanDispatch            = "eager.dispatch"
	SpanRun                 = "eager.run"
	SpanCleanup             = "eager.cleanup"
	MetricDispatchCount     = "eager.dispatch.count"
	MetricExecutionFailed   = "eager.execution.failed"
	MetricExecutionDuration = "eager.execution.duration"
	MetricCleanupTerminated = "eager.cleanup.terminated"
)
