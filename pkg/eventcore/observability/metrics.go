package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records eventcore metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEmit records an event emission and how many integrations it reached.
	RecordEmit(ctx context.Context, eventType string, handlers int)

	// RecordHandler records one integration handler invocation.
	RecordHandler(ctx context.Context, integration, eventType string, duration time.Duration, err error)

	// RecordQueueOutcome records a queue item outcome (processed, retried, dead_lettered).
	RecordQueueOutcome(ctx context.Context, priority, outcome string, duration time.Duration)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, breaker, from, to string)

	// RecordHealthCheck records a health check result.
	RecordHealthCheck(ctx context.Context, check, status string, duration time.Duration)

	// RecordRecovery records a completed recovery job.
	RecordRecovery(ctx context.Context, strategy string, success bool, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	emits              metric.Int64Counter
	handlerExecutions  metric.Int64Counter
	handlerLatency     metric.Float64Histogram
	handlerErrors      metric.Int64Counter
	queueOutcomes      metric.Int64Counter
	queueLatency       metric.Float64Histogram
	breakerTransitions metric.Int64Counter
	healthChecks       metric.Int64Counter
	healthLatency      metric.Float64Histogram
	recoveries         metric.Int64Counter
	recoveryLatency    metric.Float64Histogram
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global OTel
// meter provider. If metrics initialization fails, returns a no-op recorder.
//
// Configure the provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	return NewMetricsRecorderWithProvider(otel.GetMeterProvider())
}

// NewMetricsRecorderWithProvider returns a MetricsRecorder bound to provider.
func NewMetricsRecorderWithProvider(provider metric.MeterProvider) MetricsRecorder {
	m, err := newOtelMetrics(provider.Meter("eventcore"))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.emits, err = meter.Int64Counter("eventcore.events.emitted",
		metric.WithDescription("Number of emitted events"),
	); err != nil {
		return nil, err
	}
	if m.handlerExecutions, err = meter.Int64Counter("eventcore.handler.executions",
		metric.WithDescription("Number of integration handler executions"),
	); err != nil {
		return nil, err
	}
	if m.handlerLatency, err = meter.Float64Histogram("eventcore.handler.latency_ms",
		metric.WithDescription("Integration handler latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("eventcore.handler.errors",
		metric.WithDescription("Number of integration handler errors"),
	); err != nil {
		return nil, err
	}
	if m.queueOutcomes, err = meter.Int64Counter("eventcore.queue.items",
		metric.WithDescription("Queue item outcomes"),
	); err != nil {
		return nil, err
	}
	if m.queueLatency, err = meter.Float64Histogram("eventcore.queue.latency_ms",
		metric.WithDescription("Queue item processing latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.breakerTransitions, err = meter.Int64Counter("eventcore.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	); err != nil {
		return nil, err
	}
	if m.healthChecks, err = meter.Int64Counter("eventcore.health.checks",
		metric.WithDescription("Health check results"),
	); err != nil {
		return nil, err
	}
	if m.healthLatency, err = meter.Float64Histogram("eventcore.health.latency_ms",
		metric.WithDescription("Health check latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.recoveries, err = meter.Int64Counter("eventcore.recovery.jobs",
		metric.WithDescription("Completed recovery jobs"),
	); err != nil {
		return nil, err
	}
	if m.recoveryLatency, err = meter.Float64Histogram("eventcore.recovery.latency_ms",
		metric.WithDescription("Recovery job duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordEmit(ctx context.Context, eventType string, handlers int) {
	m.emits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("handled", handlers > 0),
	))
}

func (m *otelMetrics) RecordHandler(ctx context.Context, integration, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("integration", integration),
		attribute.String("event_type", eventType),
	)
	m.handlerExecutions.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordQueueOutcome(ctx context.Context, priority, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("priority", priority),
		attribute.String("outcome", outcome),
	)
	m.queueOutcomes.Add(ctx, 1, attrs)
	m.queueLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *otelMetrics) RecordHealthCheck(ctx context.Context, check, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("check", check),
		attribute.String("status", status),
	)
	m.healthChecks.Add(ctx, 1, attrs)
	m.healthLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordRecovery(ctx context.Context, strategy string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Bool("success", success),
	)
	m.recoveries.Add(ctx, 1, attrs)
	m.recoveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}
