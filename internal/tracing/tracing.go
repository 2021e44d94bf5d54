// Package tracing emits OpenTelemetry spans for the three checkpoints a
// Run's lifecycle cares about: run_start, first_token, and run_stop. It
// mirrors the span-per-checkpoint shape used elsewhere in this codebase
// for LLM/tool/agent spans, but rides on the real OTel SDK rather than a
// bespoke span store.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "runsched"

// Tracer emits the run lifecycle checkpoints. A run_start span is kept
// open across the run's lifetime; first_token is recorded on it as an
// event and run_stop sets its closing attributes and ends it, both with
// latency measured from RunStart.
type Tracer interface {
	RunStart(ctx context.Context, runID, sessionKey, engineID string) (context.Context, RunSpan)
}

// RunSpan is the handle returned by RunStart; its methods close out the
// remaining two checkpoints.
type RunSpan struct {
	span      trace.Span
	startedAt time.Time
	firstTok  bool
}

// otelTracer is the default Tracer, backed by the global OTel TracerProvider.
type otelTracer struct {
	tr trace.Tracer
}

// New returns a Tracer bound to the globally configured OTel
// TracerProvider. Callers that configure their own provider should set it
// via otel.SetTracerProvider before calling New.
func New() Tracer {
	return &otelTracer{tr: otel.Tracer(instrumentationName)}
}

func (t *otelTracer) RunStart(ctx context.Context, runID, sessionKey, engineID string) (context.Context, RunSpan) {
	spanCtx, span := t.tr.Start(ctx, "run_start",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("session_key", sessionKey),
			attribute.String("engine", engineID),
		),
	)
	return spanCtx, RunSpan{span: span, startedAt: time.Now()}
}

// FirstToken records the first_token checkpoint, with latency measured
// from RunStart. No-op if already recorded (only the first delta counts).
func (r *RunSpan) FirstToken(ctx context.Context) {
	if r.span == nil || r.firstTok {
		return
	}
	r.firstTok = true
	r.span.AddEvent("first_token", trace.WithAttributes(
		attribute.Int64("latency_ms", time.Since(r.startedAt).Milliseconds()),
	))
}

// Stop records the run_stop checkpoint and ends the span. ok indicates
// whether the run finalized successfully.
func (r *RunSpan) Stop(ctx context.Context, ok bool, errMsg string) {
	if r.span == nil {
		return
	}
	r.span.SetAttributes(
		attribute.Bool("ok", ok),
		attribute.Int64("duration_ms", time.Since(r.startedAt).Milliseconds()),
	)
	if !ok {
		r.span.SetStatus(codes.Error, errMsg)
	} else {
		r.span.SetStatus(codes.Ok, "")
	}
	r.span.End()
}

// Noop is a Tracer that records nothing; used in tests.
type Noop struct{}

func (Noop) RunStart(ctx context.Context, runID, sessionKey, engineID string) (context.Context, RunSpan) {
	return ctx, RunSpan{}
}
