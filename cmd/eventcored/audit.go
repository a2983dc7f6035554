package main

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/integration"
)

// audit logs every event. It has no handler table, so it is subscribed to
// the wildcard through HandleGeneric.
type audit struct {
	integration.Base
}

func newAudit(logger *slog.Logger) *audit {
	return &audit{
		Base: integration.NewBase("audit", "1.0.0", config.NewValues(map[string]any{"priority": -100}), logger),
	}
}

func (a *audit) EventHandlers() map[string]integration.EventFunc {
	return nil
}

func (a *audit) HandleGeneric(_ context.Context, eventType string, p *event.Payload) error {
	a.Logger().Info("event",
		slog.String("event_type", eventType),
		slog.String("event_id", p.EventID),
		slog.String("source", string(p.Context.Source)),
		slog.String("request_id", p.Context.RequestID),
	)
	return nil
}
