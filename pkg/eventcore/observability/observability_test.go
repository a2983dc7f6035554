package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupMetricsTest(t *testing.T) (MetricsRecorder, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})
	return NewMetricsRecorderWithProvider(provider), reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt64(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecorder_Handler(t *testing.T) {
	rec, reader := setupMetricsTest(t)
	ctx := context.Background()

	rec.RecordHandler(ctx, "slack", "task:created", 5*time.Millisecond, nil)
	rec.RecordHandler(ctx, "slack", "task:created", 7*time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "eventcore.handler.executions")))
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "eventcore.handler.errors")))
	assert.NotNil(t, findMetric(rm, "eventcore.handler.latency_ms"))
}

func TestMetricsRecorder_Components(t *testing.T) {
	rec, reader := setupMetricsTest(t)
	ctx := context.Background()

	rec.RecordEmit(ctx, "task:created", 2)
	rec.RecordQueueOutcome(ctx, "normal", "processed", time.Millisecond)
	rec.RecordQueueOutcome(ctx, "high", "dead_lettered", time.Millisecond)
	rec.RecordBreakerTransition(ctx, "svc", "closed", "open")
	rec.RecordHealthCheck(ctx, "memory", "healthy", time.Millisecond)
	rec.RecordRecovery(ctx, "immediate-retry", true, time.Millisecond)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "eventcore.events.emitted")))
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "eventcore.queue.items")))
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "eventcore.breaker.transitions")))
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "eventcore.health.checks")))
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "eventcore.recovery.jobs")))
}

func setupTracingTest(t *testing.T) (SpanManager, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return NewSpanManagerWithProvider(tp), exporter
}

func TestSpanManager_EmitAndHandlerSpans(t *testing.T) {
	spans, exporter := setupTracingTest(t)

	ctx, emit := spans.StartEmitSpan(context.Background(), "task:created", "evt_1")
	_, handler := spans.StartHandlerSpan(ctx, "slack", "task:created")
	spans.EndSpanWithError(handler, errors.New("handler failed"))
	spans.EndSpanWithError(emit, nil)

	got := exporter.GetSpans()
	require.Len(t, got, 2)

	h, e := got[0], got[1]
	assert.Equal(t, "eventcore.handler.slack", h.Name)
	assert.Equal(t, codes.Error, h.Status.Code)
	assert.Equal(t, e.SpanContext.SpanID(), h.Parent.SpanID())

	assert.Equal(t, "eventcore.emit", e.Name)
	assert.Equal(t, codes.Ok, e.Status.Code)
	assert.Contains(t, e.Attributes, attribute.String("event.type", "task:created"))
	assert.Contains(t, e.Attributes, attribute.String("event.id", "evt_1"))
}

func TestSpanManager_AddSpanEvent(t *testing.T) {
	spans, exporter := setupTracingTest(t)

	ctx, span := spans.StartEmitSpan(context.Background(), "task:removed", "evt_2")
	spans.AddSpanEvent(ctx, "queued", attribute.String("priority", "low"))
	spans.EndSpanWithError(span, nil)

	got := exporter.GetSpans()
	require.Len(t, got, 1)
	require.Len(t, got[0].Events, 1)
	assert.Equal(t, "queued", got[0].Events[0].Name)
}

func TestNoop(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	m.RecordHandler(context.Background(), "x", "y", time.Second, errors.New("e"))

	var s SpanManager = NoopSpanManager{}
	ctx := context.Background()
	got, span := s.StartEmitSpan(ctx, "t", "id")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	s.EndSpanWithError(span, nil)

	assert.Equal(t, NoopMetrics{}, MetricsOrNoop(nil))
	assert.Equal(t, NoopSpanManager{}, SpansOrNoop(nil))
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LogConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewLogger_File(t *testing.T) {
	path := t.TempDir() + "/eventcore.log"
	logger, closer := NewLogger(LogConfig{File: path, MaxSizeMB: 1})
	logger.Info("to file")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}

func TestEnrichLogger(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "queue"))

	var buf bytes.Buffer
	logger := EnrichLogger(NewLoggerTo(&buf, LogConfig{}), "queue", slog.Int("max_size", 10))
	logger.Info("hello")
	assert.Contains(t, buf.String(), "component=queue")
	assert.Contains(t, buf.String(), "max_size=10")

	LogDeadLetter(logger, "q_1", 3, errors.New("nope"))
	assert.Contains(t, buf.String(), "item dead-lettered")
	LogHandlerFailure(nil, "a", "b", errors.New("c"), 1)
}
