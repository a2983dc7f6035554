package integration

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Middleware transforms an event before dispatch. Returning a nil payload
// filters the event. An error is logged and the middleware is skipped.
type Middleware func(ctx context.Context, eventType string, p *event.Payload) (*event.Payload, error)

// LoggingMiddleware logs every event at debug level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(_ context.Context, eventType string, p *event.Payload) (*event.Payload, error) {
		logger.Debug("event",
			slog.String("event_type", eventType),
			slog.String("event_id", p.EventID),
			slog.String("source", string(p.Context.Source)),
		)
		return p, nil
	}
}

// FilterMiddleware drops events for which keep returns false.
func FilterMiddleware(keep func(eventType string, p *event.Payload) bool) Middleware {
	return func(_ context.Context, eventType string, p *event.Payload) (*event.Payload, error) {
		if !keep(eventType, p) {
			return nil, nil
		}
		return p, nil
	}
}

// EnrichMiddleware sets key on every payload to the value computed by fn.
func EnrichMiddleware(key string, fn func(ctx context.Context, p *event.Payload) any) Middleware {
	return func(ctx context.Context, _ string, p *event.Payload) (*event.Payload, error) {
		return p.With(key, fn(ctx, p)), nil
	}
}
