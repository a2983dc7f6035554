package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "eventcore"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartEmitSpan starts a span covering the dispatch of one event.
	StartEmitSpan(ctx context.Context, eventType, eventID string) (context.Context, trace.Span)

	// StartHandlerSpan starts a span for one integration handler call.
	// It should be a child of the emit span.
	StartHandlerSpan(ctx context.Context, integration, eventType string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses the global OTel tracer provider.
func NewSpanManager() SpanManager {
	return NewSpanManagerWithProvider(otel.GetTracerProvider())
}

// NewSpanManagerWithProvider returns a SpanManager bound to provider.
func NewSpanManagerWithProvider(provider trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: provider.Tracer(instrumentationName)}
}

func (m *otelSpanManager) StartEmitSpan(ctx context.Context, eventType, eventID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventcore.emit",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.id", eventID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, integration, eventType string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventcore.handler."+integration,
		trace.WithAttributes(
			attribute.String("integration.name", integration),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
