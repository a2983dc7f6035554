package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

var errUnavailable = errors.New("collaborator not configured")

// immediateRetry re-runs the failed operation when the request carries
// one, otherwise it re-checks the integration's health.
func (m *Manager) immediateRetry(ctx context.Context, req Request) (Outcome, error) {
	if req.Retry != nil {
		if err := req.Retry(ctx); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: "retried"}, nil
	}
	if err := m.verify(ctx, req.Integration); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: "verified"}, nil
}

// circuitReset closes the integration's breaker once its health check, if
// any, passes.
func (m *Manager) circuitReset(ctx context.Context, req Request) (Outcome, error) {
	if m.cfg.Breakers == nil {
		return Outcome{}, fmt.Errorf("circuit reset: breakers %w", errUnavailable)
	}
	b, ok := m.cfg.Breakers.Lookup(req.Integration)
	if !ok {
		return Outcome{}, fmt.Errorf("circuit breaker %q: %w", req.Integration, ecerrors.ErrNotFound)
	}
	if err := m.verify(ctx, req.Integration); err != nil {
		return Outcome{}, err
	}
	previous := b.State()
	b.Reset()
	return Outcome{
		Action:  "circuit-reset",
		Details: map[string]any{"previous_state": string(previous)},
	}, nil
}

// boundaryReset returns the integration's error boundary to active.
func (m *Manager) boundaryReset(ctx context.Context, req Request) (Outcome, error) {
	if m.cfg.Boundaries == nil {
		return Outcome{}, fmt.Errorf("boundary reset: boundaries %w", errUnavailable)
	}
	b, ok := m.cfg.Boundaries.Lookup(req.Integration)
	if !ok {
		return Outcome{}, fmt.Errorf("boundary %q: %w", req.Integration, ecerrors.ErrNotFound)
	}
	if err := m.verify(ctx, req.Integration); err != nil {
		return Outcome{}, err
	}
	status := b.Status()
	b.Reset()
	return Outcome{
		Action:  "boundary-reset",
		Details: map[string]any{"window_errors": status.WindowErrors},
	}, nil
}

// escalate records that automatic recovery gave up. Operators act on the
// escalated signal.
func (m *Manager) escalate(_ context.Context, req Request) (Outcome, error) {
	m.mu.Lock()
	incidents := m.incidents[req.Integration]
	m.mu.Unlock()

	m.logger.Error("manual intervention required",
		slog.String("integration", req.Integration),
		slog.Int("incidents", incidents),
		slog.String("reason", req.Reason),
	)
	return Outcome{
		Action:  "escalated",
		Details: map[string]any{"incidents": incidents},
	}, nil
}
