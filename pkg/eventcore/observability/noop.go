package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordEmit does nothing.
func (NoopMetrics) RecordEmit(_ context.Context, _ string, _ int) {}

// RecordHandler does nothing.
func (NoopMetrics) RecordHandler(_ context.Context, _, _ string, _ time.Duration, _ error) {}

// RecordQueueOutcome does nothing.
func (NoopMetrics) RecordQueueOutcome(_ context.Context, _, _ string, _ time.Duration) {}

// RecordBreakerTransition does nothing.
func (NoopMetrics) RecordBreakerTransition(_ context.Context, _, _, _ string) {}

// RecordHealthCheck does nothing.
func (NoopMetrics) RecordHealthCheck(_ context.Context, _, _ string, _ time.Duration) {}

// RecordRecovery does nothing.
func (NoopMetrics) RecordRecovery(_ context.Context, _ string, _ bool, _ time.Duration) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartEmitSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartEmitSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartHandlerSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartHandlerSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}

// MetricsOrNoop returns m, or NoopMetrics{} when m is nil.
func MetricsOrNoop(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}

// SpansOrNoop returns s, or NoopSpanManager{} when s is nil.
func SpansOrNoop(s SpanManager) SpanManager {
	if s == nil {
		return NoopSpanManager{}
	}
	return s
}
