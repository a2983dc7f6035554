package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/queue"
	"github.com/randalmurphal/eventcore/pkg/eventcore/recovery"
)

// Result reports one emission.
type Result struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`

	// Dropped is set when the manager was not initialized.
	Dropped bool `json:"dropped,omitempty"`

	// Filtered is set when middleware removed the event.
	Filtered bool `json:"filtered,omitempty"`

	// Queued is set when the event was deferred to the queue.
	Queued      bool   `json:"queued,omitempty"`
	QueueItemID string `json:"queue_item_id,omitempty"`

	Handlers  int            `json:"handlers"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Isolated  int            `json:"isolated"`
	Errors    []HandlerError `json:"-"`
}

// HandlerError is the failure of one handler.
type HandlerError struct {
	Handler string
	Err     error
}

func (e HandlerError) Error() string {
	return e.Handler + ": " + e.Err.Error()
}

func (e HandlerError) Unwrap() error {
	return e.Err
}

// ProcessedEvent is published on the bus after dispatch.
type ProcessedEvent struct {
	Payload *event.Payload `json:"payload"`
	Result  Result         `json:"result"`
}

// HandlerFailure is the payload of the handler:failed and event:isolated
// signals.
type HandlerFailure struct {
	Handler   string
	EventType string
	EventID   string
	Err       error
}

// Emit builds a standardized payload for eventType and dispatches it.
// Validation errors are returned; handler failures are not.
func (m *Manager) Emit(ctx context.Context, eventType string, data map[string]any, opCtx event.OperationContext) (Result, error) {
	if !event.ValidName(eventType) || event.IsPattern(eventType) {
		return Result{Type: eventType}, &ecerrors.ValidationError{
			Subject: "event",
			Errors:  []string{fmt.Sprintf("invalid event type %q", eventType)},
		}
	}
	return m.EmitPayload(ctx, event.NewPayload(eventType, opCtx, data))
}

// EmitPayload dispatches a prebuilt payload.
func (m *Manager) EmitPayload(ctx context.Context, p *event.Payload) (Result, error) {
	if p == nil {
		return Result{}, &ecerrors.ValidationError{Subject: "event", Errors: []string{"payload is nil"}}
	}
	res := Result{EventID: p.EventID, Type: p.Type}

	if state := m.State(); state != StateInitialized {
		m.stats.dropped.Add(1)
		m.logger.Warn("event dropped",
			slog.String("event_type", p.Type),
			slog.String("state", string(state)),
		)
		res.Dropped = true
		return res, nil
	}

	if err := m.validator.Validate(p.Type, p); err != nil {
		return res, err
	}
	m.stats.emitted.Add(1)

	if m.cfg.EnableBatching && m.queue != nil && slices.Contains(m.cfg.BulkEventTypes, p.Type) {
		id, err := m.queue.Push(p, queue.Options{
			Batchable:    true,
			Guaranteed:   m.cfg.GuaranteedDelivery,
			Processor:    m.processQueued,
			ProcessorKey: queueProcessorKey,
			Metadata:     map[string]any{"event_type": p.Type, "event_id": p.EventID},
		})
		if err != nil {
			return res, fmt.Errorf("defer %s: %w", p.Type, err)
		}
		m.stats.queued.Add(1)
		res.Queued = true
		res.QueueItemID = id
		return res, nil
	}

	return m.process(ctx, p), nil
}

// processQueued is the queue processor for deferred events. It fails only
// when every handler failed, so the queue retries the event.
func (m *Manager) processQueued(ctx context.Context, data any, _ *queue.Item) (any, error) {
	p, ok := data.(*event.Payload)
	if !ok {
		return nil, ecerrors.Permanent(fmt.Errorf("unexpected queued data %T", data), "process queued event")
	}
	res := m.process(ctx, p)
	if res.Handlers > 0 && res.Succeeded == 0 && res.Failed > 0 {
		return res, fmt.Errorf("all %d handlers failed for %s: %w", res.Failed, p.Type, errors.Join(handlerErrs(res.Errors)...))
	}
	return res, nil
}

func handlerErrs(errs []HandlerError) []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

func (m *Manager) process(ctx context.Context, p *event.Payload) Result {
	m.active.Add(1)
	defer m.active.Add(-1)

	ctx, span := m.spans.StartEmitSpan(ctx, p.Type, p.EventID)
	res := Result{EventID: p.EventID, Type: p.Type}

	p = m.applyMiddleware(ctx, p)
	if p == nil {
		m.stats.filtered.Add(1)
		res.Filtered = true
		m.spans.EndSpanWithError(span, nil)
		return res
	}

	subs := m.match(p.Type)
	m.metrics.RecordEmit(ctx, p.Type, len(subs))
	res.Handlers = len(subs)
	if len(subs) == 0 {
		m.stats.unhandled.Add(1)
		m.logger.Debug("no handlers for event", slog.String("event_type", p.Type))
		m.spans.EndSpanWithError(span, nil)
		return res
	}

	var concurrent, sequential []*subscription
	for _, s := range subs {
		if s.opts.Sequential {
			sequential = append(sequential, s)
		} else {
			concurrent = append(concurrent, s)
		}
	}

	outcomes := make([]error, 0, len(subs))
	ordered := make([]*subscription, 0, len(subs))

	results := make([]error, len(concurrent))
	sem := semaphore.NewWeighted(int64(m.cfg.MaxConcurrentHandlers))
	var wg sync.WaitGroup
	for i, s := range concurrent {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = err
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = m.dispatch(ctx, s, p)
		}()
	}
	wg.Wait()
	outcomes = append(outcomes, results...)
	ordered = append(ordered, concurrent...)

	for _, s := range sequential {
		outcomes = append(outcomes, m.dispatch(ctx, s, p))
		ordered = append(ordered, s)
	}

	for i, err := range outcomes {
		switch {
		case err == nil:
			res.Succeeded++
		case ecerrors.IsIsolation(err):
			res.Isolated++
			res.Errors = append(res.Errors, HandlerError{Handler: ordered[i].label(), Err: err})
		default:
			res.Failed++
			res.Errors = append(res.Errors, HandlerError{Handler: ordered[i].label(), Err: err})
		}
	}

	m.stats.processed.Add(1)
	m.stats.handlersExecuted.Add(int64(len(subs)))
	m.stats.handlersFailed.Add(int64(res.Failed))
	if res.Failed > 0 {
		m.stats.failed.Add(1)
	}
	if res.Isolated > 0 {
		m.stats.isolated.Add(1)
	}

	if m.bus != nil {
		_, err := m.bus.Publish(context.WithoutCancel(ctx), p.Type, ProcessedEvent{Payload: p, Result: res}, event.PublishOptions{
			Channel: ProcessedChannel,
		})
		if err != nil {
			m.logger.Warn("publish processed event failed", slog.String("error", err.Error()))
		}
	}

	var spanErr error
	if res.Failed > 0 {
		spanErr = fmt.Errorf("%d of %d handlers failed", res.Failed, res.Handlers)
	}
	m.spans.EndSpanWithError(span, spanErr)
	return res
}

// applyMiddleware runs the pipeline. It returns nil when the event was
// filtered.
func (m *Manager) applyMiddleware(ctx context.Context, p *event.Payload) *event.Payload {
	m.mu.RLock()
	chain := slices.Clone(m.middleware)
	m.mu.RUnlock()

	for i, mw := range chain {
		out, err := runMiddleware(ctx, mw, p)
		if err != nil {
			m.logger.Warn("middleware failed; skipping",
				slog.Int("middleware", i),
				slog.String("event_type", p.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		if out == nil {
			m.logger.Debug("event filtered", slog.String("event_type", p.Type), slog.Int("middleware", i))
			return nil
		}
		p = out
	}
	return p
}

func runMiddleware(ctx context.Context, mw Middleware, p *event.Payload) (out *event.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panic: %v", r)
		}
	}()
	return mw(ctx, p.Type, p)
}

// specificity ranks how closely a pattern matches: exact beats prefix
// beats wildcard.
func specificity(pattern string) int {
	switch {
	case pattern == event.Wildcard:
		return 0
	case event.IsPattern(pattern):
		return 1 + len(pattern)
	default:
		return 1 << 30
	}
}

// match returns the subscriptions for eventType ordered by priority then
// registration. Each integration contributes at most one subscription,
// its most specific match, so no handler runs twice for one event.
func (m *Manager) match(eventType string) []*subscription {
	m.mu.RLock()
	best := make(map[string]*subscription)
	var out []*subscription
	for _, s := range m.subs {
		if !event.Match(s.pattern, eventType) {
			continue
		}
		if s.integration == "" {
			out = append(out, s)
			continue
		}
		if m.disabled[s.integration] {
			continue
		}
		if cur, ok := best[s.integration]; !ok || specificity(s.pattern) > specificity(cur.pattern) {
			best[s.integration] = s
		}
	}
	m.mu.RUnlock()

	for name, s := range best {
		if reg, ok := m.handlers.Get(name); ok && !reg.handler.Enabled() {
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].opts.Priority != out[j].opts.Priority {
			return out[i].opts.Priority > out[j].opts.Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (m *Manager) hasSub(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subs[id]
	return ok
}

// dispatch runs one subscription through the protection chain and
// handles its failure.
func (m *Manager) dispatch(ctx context.Context, s *subscription, p *event.Payload) error {
	start := time.Now()
	err := m.protect(ctx, s, p)
	m.metrics.RecordHandler(ctx, s.label(), p.Type, time.Since(start), err)
	if err == nil {
		return nil
	}

	if ecerrors.IsIsolation(err) {
		m.onIsolated(ctx, s, p, err)
	} else {
		m.onFailure(ctx, s, p, err)
	}
	return err
}

// protect wraps the handler call, outermost first, in the circuit breaker,
// the error boundary, the retry policy and the call timeout.
func (m *Manager) protect(ctx context.Context, s *subscription, p *event.Payload) error {
	call := func(ctx context.Context) error { return m.invoke(ctx, s, p) }

	if m.cfg.Retry.MaxAttempts > 1 {
		once := call
		call = func(ctx context.Context) error {
			res := ecerrors.WithRetryContext(ctx, m.cfg.Retry, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, once(ctx)
			})
			return res.Err
		}
	}

	if s.integration != "" && m.cfg.EnableErrorBoundaries && m.boundaries != nil {
		b := m.boundaries.Get(s.integration, nil)
		inner := call
		call = func(ctx context.Context) error { return b.Execute(ctx, inner) }
	}

	if s.integration != "" && m.cfg.EnableCircuitBreakers && m.breakers != nil {
		cb := m.breakers.Get(s.integration, nil)
		inner := call
		call = func(ctx context.Context) error { return cb.Execute(ctx, inner) }
	}

	return call(ctx)
}

// invoke makes one handler call raced against its timeout.
func (m *Manager) invoke(ctx context.Context, s *subscription, p *event.Payload) error {
	timeout := s.opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.HandlerTimeout
	}

	ctx, span := m.spans.StartHandlerSpan(ctx, s.label(), p.Type)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
			done <- err
		}()
		err = s.fn(ctx, p)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = &ecerrors.TimeoutError{Operation: "handler " + s.label() + " " + p.Type, Timeout: timeout}
		}
	}
	m.spans.EndSpanWithError(span, err)
	return err
}

func (m *Manager) onFailure(ctx context.Context, s *subscription, p *event.Payload, err error) {
	attempts := max(m.cfg.Retry.MaxAttempts, 1)
	var ce *ecerrors.ClassifiedError
	if errors.As(err, &ce) && ce.Attempts > 0 {
		attempts = ce.Attempts
	}
	observability.LogHandlerFailure(m.logger, s.label(), p.Type, err, attempts)
	m.signals.Emit(context.WithoutCancel(ctx), SignalHandlerFailed, HandlerFailure{
		Handler:   s.label(),
		EventType: p.Type,
		EventID:   p.EventID,
		Err:       err,
	}, event.EmitOptions{})

	if m.cfg.GuaranteedDelivery {
		m.ledger.Record(event.Delivery{
			Origin:    "integration",
			Target:    s.label(),
			Name:      p.Type,
			Data:      p,
			Attempts:  attempts,
			LastError: err.Error(),
		}, func(ctx context.Context) error {
			if !m.hasSub(s.id) {
				return ecerrors.ErrNotFound
			}
			return m.protect(ctx, s, p)
		})
	}

	if m.cfg.EnableAutoRecovery && m.recovery != nil && s.integration != "" {
		m.active.Add(1)
		go func() {
			defer m.active.Add(-1)
			m.runRecovery(context.WithoutCancel(ctx), s, p, err)
		}()
	}
}

func (m *Manager) runRecovery(ctx context.Context, s *subscription, p *event.Payload, cause error) {
	job, err := m.recovery.TriggerRecovery(ctx, s.integration, recovery.StrategyImmediateRetry, recovery.TriggerOptions{
		Reason: cause.Error(),
		Data:   map[string]any{"event_type": p.Type, "event_id": p.EventID},
		Retry: func(ctx context.Context) error {
			return m.invoke(ctx, s, p)
		},
	})
	if err != nil {
		if !errors.Is(err, recovery.ErrJobActive) {
			m.logger.Warn("recovery not started", slog.String("integration", s.integration), slog.String("error", err.Error()))
		}
		return
	}
	if job.Status == recovery.JobSuccess {
		m.stats.recovered.Add(1)
	}
}

func (m *Manager) onIsolated(ctx context.Context, s *subscription, p *event.Payload, err error) {
	m.logger.Warn("event isolated",
		slog.String("handler", s.label()),
		slog.String("event_type", p.Type),
		slog.String("error", err.Error()),
	)
	m.signals.Emit(context.WithoutCancel(ctx), SignalEventIsolated, HandlerFailure{
		Handler:   s.label(),
		EventType: p.Type,
		EventID:   p.EventID,
		Err:       err,
	}, event.EmitOptions{})

	if !m.cfg.RequeueIsolated || m.queue == nil {
		return
	}
	_, qerr := m.queue.Push(p, queue.Options{
		Priority: queue.Low,
		Processor: func(ctx context.Context, _ any, _ *queue.Item) (any, error) {
			if !m.hasSub(s.id) {
				return nil, ecerrors.Permanent(ecerrors.ErrNotFound, "requeued delivery")
			}
			return nil, m.protect(ctx, s, p)
		},
		Metadata: map[string]any{"handler": s.label(), "event_type": p.Type, "event_id": p.EventID},
	})
	if qerr != nil {
		m.logger.Warn("isolated event not requeued",
			slog.String("handler", s.label()),
			slog.String("error", qerr.Error()),
		)
	}
}

// PendingDeliveries returns failed guaranteed deliveries.
func (m *Manager) PendingDeliveries() []event.Delivery {
	return m.ledger.Pending()
}

// RetryFailedDeliveries re-attempts every pending guaranteed delivery.
func (m *Manager) RetryFailedDeliveries(ctx context.Context) event.RetryReport {
	return m.ledger.Retry(ctx)
}
