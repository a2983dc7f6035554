// Package circuit implements per-dependency circuit breakers and a named
// registry of them.
//
// A breaker moves closed -> open when the failures recorded in its rolling
// window reach FailureThreshold and the window holds at least
// MinimumThroughput calls. While open every call is rejected without being
// invoked. After Timeout the next call is admitted in half-open; a failure
// there reopens immediately and SuccessThreshold successes close it.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// State is a breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config configures a Breaker.
type Config struct {
	// Name identifies the breaker, usually the integration it guards.
	Name string

	// FailureThreshold is the window failure count that opens the breaker.
	FailureThreshold int

	// SuccessThreshold is the consecutive half-open successes that close it.
	SuccessThreshold int

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// CallTimeout bounds each call. Default: 30s.
	CallTimeout time.Duration

	// MonitoringPeriod bounds the rolling outcome window.
	MonitoringPeriod time.Duration

	// MinimumThroughput is the window call count required before opening.
	MinimumThroughput int

	// SlowCallThreshold marks calls slower than this as slow. Default: 5s.
	// A negative value disables slow-call counting.
	SlowCallThreshold time.Duration

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State)

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	FailureThreshold:  5,
	SuccessThreshold:  2,
	Timeout:           60 * time.Second,
	CallTimeout:       30 * time.Second,
	MonitoringPeriod:  60 * time.Second,
	MinimumThroughput: 10,
	SlowCallThreshold: 5 * time.Second,
}

// withDefaults fills zero fields from base.
func (c Config) withDefaults(base Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = base.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = base.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = base.Timeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = base.CallTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = base.MonitoringPeriod
	}
	if c.MinimumThroughput <= 0 {
		c.MinimumThroughput = base.MinimumThroughput
	}
	if c.SlowCallThreshold == 0 {
		c.SlowCallThreshold = base.SlowCallThreshold
	}
	if c.OnStateChange == nil {
		c.OnStateChange = base.OnStateChange
	}
	if c.Logger == nil {
		c.Logger = base.Logger
	}
	if c.Metrics == nil {
		c.Metrics = base.Metrics
	}
	if c.Now == nil {
		c.Now = base.Now
	}
	return c
}

type outcome struct {
	at     time.Time
	failed bool
}

// Stats are lifetime call counters.
type Stats struct {
	TotalCalls int64
	Successes  int64
	Failures   int64
	Rejected   int64
	SlowCalls  int64
	Timeouts   int64
}

// Status is a snapshot of a breaker.
type Status struct {
	Name            string
	State           State
	Stats           Stats
	FailureRate     float64
	WindowCalls     int
	WindowFailures  int
	LastStateChange time.Time
	NextAttempt     time.Time
}

// Breaker is a circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	mu                sync.Mutex
	state             State
	window            []outcome
	openedAt          time.Time
	lastTransition    time.Time
	halfOpenSuccesses int
	stats             Stats
}

// New creates a breaker. Zero config fields take DefaultConfig values.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults(DefaultConfig)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := observability.LoggerOrDefault(cfg.Logger)
	return &Breaker{
		cfg:            cfg,
		logger:         observability.EnrichLogger(logger, "circuit", slog.String("breaker", cfg.Name)),
		metrics:        observability.MetricsOrNoop(cfg.Metrics),
		state:          StateClosed,
		lastTransition: cfg.Now(),
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Execute runs fn if the breaker admits the call. Rejections return a
// CircuitOpenError without invoking fn. A call exceeding CallTimeout
// counts as a failure and returns a TimeoutError.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Execute for functions that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}

	start := b.cfg.Now()
	val, err := callWithTimeout(ctx, b.cfg.CallTimeout, b.cfg.Name, fn)
	b.Record(b.cfg.Now().Sub(start), err)
	if err != nil {
		return zero, err
	}
	return val, nil
}

// callWithTimeout races fn against timeout. Panics become errors.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return safeCall(ctx, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := safeCall(ctx, fn)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &ecerrors.TimeoutError{Operation: "circuit " + name, Timeout: timeout}
		}
		return zero, ctx.Err()
	}
}

func safeCall[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Allow reports whether a call may proceed, moving open to half-open once
// Timeout has elapsed. Rejections are counted and returned as a
// CircuitOpenError.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.cfg.Now()
	var transition func()
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Timeout {
		transition = b.transitionLocked(StateHalfOpen, now)
	}
	if b.state != StateOpen {
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
		return nil
	}
	b.stats.Rejected++
	retryAfter := b.cfg.Timeout - now.Sub(b.openedAt)
	b.mu.Unlock()

	return &ecerrors.CircuitOpenError{Name: b.cfg.Name, State: string(StateOpen), RetryAfter: retryAfter}
}

// Record feeds one call outcome into the state machine. Execute calls it;
// use it directly when the call is made elsewhere.
func (b *Breaker) Record(duration time.Duration, err error) {
	b.mu.Lock()
	now := b.cfg.Now()
	failed := err != nil

	b.stats.TotalCalls++
	if failed {
		b.stats.Failures++
	} else {
		b.stats.Successes++
	}
	var timeoutErr *ecerrors.TimeoutError
	if errors.As(err, &timeoutErr) {
		b.stats.Timeouts++
	}
	if b.cfg.SlowCallThreshold > 0 && duration > b.cfg.SlowCallThreshold {
		b.stats.SlowCalls++
	}

	b.window = append(b.window, outcome{at: now, failed: failed})
	b.pruneLocked(now)

	var transition func()
	switch b.state {
	case StateClosed:
		calls, failures := b.windowCountsLocked()
		if failures >= b.cfg.FailureThreshold && calls >= b.cfg.MinimumThroughput {
			transition = b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		if failed {
			transition = b.transitionLocked(StateOpen, now)
		} else {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				transition = b.transitionLocked(StateClosed, now)
			}
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) windowCountsLocked() (calls, failures int) {
	for _, o := range b.window {
		calls++
		if o.failed {
			failures++
		}
	}
	return calls, failures
}

// transitionLocked changes state and returns the notification to run
// after the lock is released.
func (b *Breaker) transitionLocked(to State, now time.Time) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.lastTransition = now
	b.halfOpenSuccesses = 0

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.window = b.window[:0]
	}

	return func() {
		observability.LogStateChange(b.logger, b.cfg.Name, string(from), string(to))
		b.metrics.RecordBreakerTransition(context.Background(), b.cfg.Name, string(from), string(to))
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.cfg.Name, from, to)
		}
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.cfg.Now())
	calls, failures := b.windowCountsLocked()

	var rate float64
	if b.stats.TotalCalls > 0 {
		rate = float64(b.stats.Failures) / float64(b.stats.TotalCalls) * 100
	}
	var next time.Time
	if b.state == StateOpen {
		next = b.openedAt.Add(b.cfg.Timeout)
	}
	return Status{
		Name:            b.cfg.Name,
		State:           b.state,
		Stats:           b.stats,
		FailureRate:     rate,
		WindowCalls:     calls,
		WindowFailures:  failures,
		LastStateChange: b.lastTransition,
		NextAttempt:     next,
	}
}

// ForceOpen opens the breaker regardless of outcomes.
func (b *Breaker) ForceOpen() {
	b.force(StateOpen)
}

// ForceClose closes the breaker regardless of outcomes.
func (b *Breaker) ForceClose() {
	b.force(StateClosed)
}

func (b *Breaker) force(to State) {
	b.mu.Lock()
	transition := b.transitionLocked(to, b.cfg.Now())
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// Reset closes the breaker and clears its window and counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := b.transitionLocked(StateClosed, b.cfg.Now())
	b.window = b.window[:0]
	b.stats = Stats{}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}
