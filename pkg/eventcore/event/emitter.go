package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// ListenerFunc handles an emitted event.
type ListenerFunc func(ctx context.Context, eventType string, data any) error

// ListenerOptions configure one listener.
type ListenerOptions struct {
	// Priority orders execution; higher values run first.
	Priority int

	// Filter skips the listener when it returns false.
	Filter func(eventType string, data any) bool

	// Retries is the number of extra attempts after a failure.
	Retries int

	// RetryDelay is the base delay between attempts. Default: 100ms.
	RetryDelay time.Duration

	// Timeout bounds each attempt. Zero uses the emitter default.
	Timeout time.Duration

	// Guaranteed records a final failure in the ledger for later retry.
	Guaranteed bool

	// Once removes the listener after its first invocation.
	Once bool
}

// EmitOptions configure one emission.
type EmitOptions struct {
	// Sequential runs listeners one after another in priority order.
	// By default listeners are started in priority order and run in parallel.
	Sequential bool
}

// EmitResult reports an emission.
type EmitResult struct {
	Listeners int
	Succeeded int
	Failed    int
	Skipped   int
	Errors    []error
}

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	// DefaultTimeout bounds listener attempts without their own timeout.
	// Zero means no timeout.
	DefaultTimeout time.Duration

	// Ledger records failed guaranteed deliveries. Default: a private ledger.
	Ledger *Ledger

	Logger *slog.Logger
}

type listener struct {
	id      string
	pattern string
	fn      ListenerFunc
	opts    ListenerOptions
	seq     uint64
	fired   atomic.Bool
}

// Emitter is a listener registry keyed by event type, with wildcard and
// prefix pattern listeners.
type Emitter struct {
	cfg    EmitterConfig
	logger *slog.Logger
	ledger *Ledger

	mu        sync.RWMutex
	listeners map[string]*listener
	seq       uint64
}

// NewEmitter creates an emitter.
func NewEmitter(cfg EmitterConfig) *Emitter {
	logger := observability.EnrichLogger(observability.LoggerOrDefault(cfg.Logger), "emitter")
	if cfg.Ledger == nil {
		cfg.Ledger = NewLedger(0, logger)
	}
	return &Emitter{
		cfg:       cfg,
		logger:    logger,
		ledger:    cfg.Ledger,
		listeners: make(map[string]*listener),
	}
}

// On registers fn for eventType (exact, wildcard or prefix pattern) and
// returns the listener id.
func (e *Emitter) On(eventType string, fn ListenerFunc, opts ListenerOptions) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	l := &listener{
		id:      uuid.NewString(),
		pattern: eventType,
		fn:      fn,
		opts:    opts,
		seq:     e.seq,
	}
	e.listeners[l.id] = l
	return l.id
}

// Once registers a listener that is removed after its first invocation.
func (e *Emitter) Once(eventType string, fn ListenerFunc, opts ListenerOptions) string {
	opts.Once = true
	return e.On(eventType, fn, opts)
}

// Off removes a listener. It reports whether it existed.
func (e *Emitter) Off(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[id]; !ok {
		return false
	}
	delete(e.listeners, id)
	return true
}

// Clear removes every listener.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string]*listener)
}

// ListenerCount returns how many listeners an emission of eventType would
// reach. An empty eventType counts every listener.
func (e *Emitter) ListenerCount(eventType string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if eventType == "" {
		return len(e.listeners)
	}
	n := 0
	for _, l := range e.listeners {
		if Match(l.pattern, eventType) {
			n++
		}
	}
	return n
}

func (e *Emitter) matching(eventType string) []*listener {
	e.mu.RLock()
	var out []*listener
	for _, l := range e.listeners {
		if Match(l.pattern, eventType) {
			out = append(out, l)
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].opts.Priority != out[j].opts.Priority {
			return out[i].opts.Priority > out[j].opts.Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Emit runs every matching listener. A failing, timed out or filtered
// listener never affects its siblings.
func (e *Emitter) Emit(ctx context.Context, eventType string, data any, opts EmitOptions) EmitResult {
	ls := e.matching(eventType)
	result := EmitResult{Listeners: len(ls)}
	if len(ls) == 0 {
		return result
	}

	outcomes := make([]error, len(ls))
	skipped := make([]bool, len(ls))
	run := func(i int) {
		l := ls[i]
		if l.opts.Filter != nil && !l.opts.Filter(eventType, data) {
			skipped[i] = true
			return
		}
		if l.opts.Once {
			if !l.fired.CompareAndSwap(false, true) {
				skipped[i] = true
				return
			}
			e.Off(l.id)
		}
		outcomes[i] = e.invoke(ctx, l, eventType, data)
	}

	if opts.Sequential {
		for i := range ls {
			run(i)
		}
	} else {
		var wg sync.WaitGroup
		for i := range ls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run(i)
			}()
		}
		wg.Wait()
	}

	for i, err := range outcomes {
		switch {
		case skipped[i]:
			result.Skipped++
		case err == nil:
			result.Succeeded++
		default:
			result.Failed++
			result.Errors = append(result.Errors, err)
			e.handleFailure(ls[i], eventType, data, err)
		}
	}
	return result
}

func (e *Emitter) handleFailure(l *listener, eventType string, data any, err error) {
	e.logger.Warn("listener failed",
		slog.String("event_type", eventType),
		slog.String("listener_id", l.id),
		slog.String("error", err.Error()),
	)
	if !l.opts.Guaranteed {
		return
	}
	e.ledger.Record(Delivery{
		Origin:    "emitter",
		Target:    l.id,
		Name:      eventType,
		Data:      data,
		Attempts:  l.opts.Retries + 1,
		LastError: err.Error(),
	}, func(ctx context.Context) error {
		e.mu.RLock()
		current, ok := e.listeners[l.id]
		e.mu.RUnlock()
		if !ok && !l.opts.Once {
			return ecerrors.ErrNotFound
		}
		if current == nil {
			current = l
		}
		return e.attempt(ctx, current, eventType, data)
	})
}

// invoke runs a listener with its retry budget.
func (e *Emitter) invoke(ctx context.Context, l *listener, eventType string, data any) error {
	if l.opts.Retries <= 0 {
		return e.attempt(ctx, l, eventType, data)
	}
	delay := l.opts.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	cfg := ecerrors.RetryConfig{
		MaxAttempts:   l.opts.Retries + 1,
		Strategy:      ecerrors.StrategyExponential,
		BaseDelay:     delay,
		Jitter:        0.1,
		RetryableFunc: func(error) bool { return true },
	}
	res := ecerrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.attempt(ctx, l, eventType, data)
	})
	if res.Err != nil {
		var ce *ecerrors.ClassifiedError
		if errors.As(res.Err, &ce) && ce.Err != nil {
			return ce.Err
		}
	}
	return res.Err
}

// attempt runs one listener call raced against its timeout.
func (e *Emitter) attempt(ctx context.Context, l *listener, eventType string, data any) error {
	timeout := l.opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout <= 0 {
		return safeCall(ctx, l.fn, eventType, data)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- safeCall(ctx, l.fn, eventType, data) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ecerrors.TimeoutError{Operation: "listener " + eventType, Timeout: timeout}
		}
		return ctx.Err()
	}
}

func safeCall(ctx context.Context, fn ListenerFunc, eventType string, data any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, eventType, data)
}

// PendingDeliveries returns failed guaranteed deliveries awaiting retry.
func (e *Emitter) PendingDeliveries() []Delivery {
	return e.ledger.Pending()
}

// RetryFailedDeliveries re-attempts every pending guaranteed delivery.
func (e *Emitter) RetryFailedDeliveries(ctx context.Context) RetryReport {
	return e.ledger.Retry(ctx)
}

// Ledger returns the guaranteed-delivery ledger.
func (e *Emitter) Ledger() *Ledger {
	return e.ledger
}
