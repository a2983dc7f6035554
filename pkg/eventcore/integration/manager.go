package integration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventcore/pkg/eventcore/circuit"
	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/health"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/queue"
	"github.com/randalmurphal/eventcore/pkg/eventcore/recovery"
	"github.com/randalmurphal/eventcore/pkg/eventcore/registry"
)

// State is the manager lifecycle state.
type State string

// Manager states.
const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateInitialized   State = "initialized"
	StateShuttingDown  State = "shutting-down"
)

// Signals emitted on the manager's signal emitter.
const (
	SignalRegistered    = "integration:registered"
	SignalUnregistered  = "integration:unregistered"
	SignalHandlerFailed = "handler:failed"
	SignalEventIsolated = "event:isolated"
)

// ProcessedChannel is the bus channel processed events are published on.
const ProcessedChannel = "processed"

const queueProcessorKey = "integration-manager"

// Config configures a Manager.
type Config struct {
	// MaxConcurrentHandlers bounds concurrent handler calls per event.
	// Default: 10.
	MaxConcurrentHandlers int

	// HandlerTimeout bounds each handler call. Default: 30s.
	HandlerTimeout time.Duration

	// ShutdownGracePeriod bounds Shutdown. Default: 10s.
	ShutdownGracePeriod time.Duration

	EnableCircuitBreakers  bool
	EnableErrorBoundaries  bool
	EnableHealthMonitoring bool
	EnableAutoRecovery     bool

	// EnableBatching defers BulkEventTypes to the queue.
	EnableBatching bool

	// RequeueIsolated pushes deliveries rejected by a breaker or boundary
	// to the queue for a later attempt.
	RequeueIsolated bool

	// GuaranteedDelivery records failed handler deliveries in the ledger.
	GuaranteedDelivery bool

	// BulkEventTypes are deferred to the queue. Nil means event.BulkTypes.
	BulkEventTypes []string

	// Retry wraps each handler call. MaxAttempts <= 1 disables it.
	Retry ecerrors.RetryConfig

	// Integrations holds per-integration configuration passed to
	// Handler.Initialize.
	Integrations map[string]config.Values

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxConcurrentHandlers: 10,
	HandlerTimeout:        30 * time.Second,
	ShutdownGracePeriod:   10 * time.Second,
	EnableBatching:        true,
	Retry:                 ecerrors.NoRetry,
}

// Option attaches an optional collaborator. The manager works with any
// subset of them.
type Option func(*Manager)

// WithBreakers guards handlers with per-integration circuit breakers.
func WithBreakers(r *circuit.Registry) Option {
	return func(m *Manager) { m.breakers = r }
}

// WithBoundaries guards handlers with per-integration error boundaries.
func WithBoundaries(r *recovery.BoundaryRegistry) Option {
	return func(m *Manager) { m.boundaries = r }
}

// WithHealth registers a health check per integration.
func WithHealth(h *health.Monitor) Option {
	return func(m *Manager) { m.health = h }
}

// WithRecovery triggers recovery jobs for failing integrations.
func WithRecovery(r *recovery.Manager) Option {
	return func(m *Manager) { m.recovery = r }
}

// WithQueue defers bulk events and re-queues isolated deliveries.
func WithQueue(q *queue.Queue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithBus publishes processed events on the bus.
func WithBus(b *event.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithValidator replaces the default payload validator.
func WithValidator(v *event.Validator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithSignals replaces the manager's signal emitter.
func WithSignals(e *event.Emitter) Option {
	return func(m *Manager) { m.signals = e }
}

// WithLedger records failed guaranteed deliveries in l.
func WithLedger(l *event.Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

type subscription struct {
	id          string
	pattern     string
	integration string
	fn          EventFunc
	opts        HandlerOptions
	seq         uint64
}

// label names the subscription in logs and metrics.
func (s *subscription) label() string {
	if s.integration != "" {
		return s.integration
	}
	return "listener:" + s.id
}

type registration struct {
	handler Handler
	subs    []string
}

type counters struct {
	emitted          atomic.Int64
	processed        atomic.Int64
	failed           atomic.Int64
	unhandled        atomic.Int64
	filtered         atomic.Int64
	queued           atomic.Int64
	dropped          atomic.Int64
	handlersExecuted atomic.Int64
	handlersFailed   atomic.Int64
	isolated         atomic.Int64
	recovered        atomic.Int64
}

// Manager routes events to integration handlers.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	breakers   *circuit.Registry
	boundaries *recovery.BoundaryRegistry
	health     *health.Monitor
	recovery   *recovery.Manager
	queue      *queue.Queue
	bus        *event.Bus
	validator  *event.Validator
	signals    *event.Emitter
	ledger     *event.Ledger

	handlers *registry.Registry[string, *registration]

	mu         sync.RWMutex
	state      State
	subs       map[string]*subscription
	disabled   map[string]bool
	middleware []Middleware
	seq        uint64
	started    struct{ queue, health, recovery bool }

	active atomic.Int64
	stats  counters
}

// NewManager creates a manager. Zero config fields take DefaultConfig
// values.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = DefaultConfig.MaxConcurrentHandlers
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultConfig.HandlerTimeout
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = DefaultConfig.ShutdownGracePeriod
	}
	if cfg.BulkEventTypes == nil {
		cfg.BulkEventTypes = event.BulkTypes
	}

	logger := observability.EnrichLogger(observability.LoggerOrDefault(cfg.Logger), "integration-manager")
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.MetricsOrNoop(cfg.Metrics),
		spans:    observability.SpansOrNoop(cfg.Spans),
		handlers: registry.New[string, *registration](),
		state:    StateUninitialized,
		subs:     make(map[string]*subscription),
		disabled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.validator == nil {
		m.validator = event.NewValidator()
	}
	if m.signals == nil {
		m.signals = event.NewEmitter(event.EmitterConfig{Logger: cfg.Logger})
	}
	if m.ledger == nil {
		m.ledger = m.signals.Ledger()
	}
	return m
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Signals returns the emitter carrying manager lifecycle signals.
func (m *Manager) Signals() *event.Emitter {
	return m.signals
}

// Ledger returns the guaranteed-delivery ledger.
func (m *Manager) Ledger() *event.Ledger {
	return m.ledger
}

// Initialize initializes every registered handler and starts the
// attached queue, health monitor and recovery loop. Calling it outside
// the uninitialized state logs a warning and does nothing.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized {
		state := m.state
		m.mu.Unlock()
		m.logger.Warn("initialize ignored", slog.String("state", string(state)))
		return nil
	}
	m.state = StateInitializing
	m.mu.Unlock()

	for _, reg := range m.handlers.Values() {
		m.initHandler(ctx, reg.handler)
	}

	background := context.WithoutCancel(ctx)
	m.mu.Lock()
	if m.queue != nil {
		m.queue.Start(background)
		m.started.queue = true
	}
	if m.cfg.EnableHealthMonitoring && m.health != nil && m.health.Start(background) == nil {
		m.started.health = true
	}
	if m.cfg.EnableAutoRecovery && m.recovery != nil && m.recovery.Start(background) == nil {
		m.started.recovery = true
	}
	m.state = StateInitialized
	m.mu.Unlock()

	m.logger.Info("integration manager initialized", slog.Int("integrations", m.handlers.Len()))
	return nil
}

func (m *Manager) initHandler(ctx context.Context, h Handler) {
	name := h.Name()
	if err := h.Initialize(ctx, m.cfg.Integrations[name]); err != nil {
		m.logger.Error("integration failed to initialize; disabling",
			slog.String("integration", name),
			slog.String("error", err.Error()),
		)
		m.mu.Lock()
		m.disabled[name] = true
		m.mu.Unlock()
		return
	}
	if m.cfg.EnableHealthMonitoring && m.health != nil {
		_ = m.health.RegisterCheck(name, handlerCheck(h), health.CheckOptions{Type: "integration"})
	}
}

// Shutdown stops admitting events, drains the queue and waits for
// in-flight events within ShutdownGracePeriod, then shuts every handler
// down. Work still running after the grace period is logged and left to
// finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInitialized {
		state := m.state
		m.mu.Unlock()
		m.logger.Warn("shutdown ignored", slog.String("state", string(state)))
		return nil
	}
	m.state = StateShuttingDown
	started := m.started
	m.started.queue, m.started.health, m.started.recovery = false, false, false
	m.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGracePeriod)
	defer cancel()

	if started.queue {
		if err := m.queue.Drain(graceCtx); err != nil {
			m.logger.Warn("queue not drained", slog.Int("queued", m.queue.Size()))
		}
		m.queue.Stop()
	}
	if started.recovery {
		m.recovery.Stop()
	}

	if !m.waitIdle(graceCtx) {
		m.logger.Warn("shutdown grace period exceeded",
			slog.Int64("active_operations", m.active.Load()),
			slog.Duration("grace_period", m.cfg.ShutdownGracePeriod),
		)
	}

	for _, reg := range m.handlers.Values() {
		if err := reg.handler.Shutdown(graceCtx); err != nil {
			m.logger.Warn("integration shutdown failed",
				slog.String("integration", reg.handler.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	if started.health {
		m.health.Stop()
	}

	m.mu.Lock()
	m.state = StateUninitialized
	m.mu.Unlock()
	m.logger.Info("integration manager shut down")
	return nil
}

func (m *Manager) waitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// Register adds h, replacing any handler with the same name. The handler
// is subscribed to every entry of its EventHandlers table, and to the
// wildcard only when the table is empty and it implements GenericHandler.
// A handler registered after Initialize is initialized immediately.
func (m *Manager) Register(ctx context.Context, h Handler) error {
	if err := validateHandler(h); err != nil {
		return err
	}
	name := h.Name()
	opts := optionsFromConfig(h.Config())

	table := h.EventHandlers()
	patterns := make([]string, 0, len(table))
	for p := range table {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	reg := &registration{handler: h}
	m.mu.Lock()
	for _, p := range patterns {
		fn := table[p]
		reg.subs = append(reg.subs, m.addSubLocked(p, name, func(ctx context.Context, pl *event.Payload) error {
			return track(h, func() error { return fn(ctx, pl) })
		}, opts))
	}
	if g, ok := h.(GenericHandler); ok && len(table) == 0 {
		reg.subs = append(reg.subs, m.addSubLocked(event.Wildcard, name, func(ctx context.Context, pl *event.Payload) error {
			return track(h, func() error { return g.HandleGeneric(ctx, pl.Type, pl) })
		}, opts))
	}
	previous, replaced := m.handlers.Swap(name, reg)
	if replaced {
		m.removeSubsLocked(previous.subs)
	}
	delete(m.disabled, name)
	initialized := m.state == StateInitialized
	m.mu.Unlock()

	if replaced {
		m.logger.Warn("integration replaced", slog.String("integration", name))
		if previous.handler != h {
			_ = previous.handler.Shutdown(ctx)
		}
	}
	if initialized {
		m.initHandler(ctx, h)
	}

	m.logger.Info("integration registered",
		slog.String("integration", name),
		slog.String("version", h.Version()),
		slog.Int("subscriptions", len(reg.subs)),
	)
	m.signals.Emit(ctx, SignalRegistered, name, event.EmitOptions{})
	return nil
}

// Unregister removes an integration and shuts it down.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	reg, ok := m.handlers.LoadAndDelete(name)
	if ok {
		m.removeSubsLocked(reg.subs)
		delete(m.disabled, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("integration %q: %w", name, ecerrors.ErrHandlerNotFound)
	}

	if m.health != nil {
		m.health.UnregisterCheck(name)
	}
	if err := reg.handler.Shutdown(ctx); err != nil {
		m.logger.Warn("integration shutdown failed",
			slog.String("integration", name),
			slog.String("error", err.Error()),
		)
	}
	m.signals.Emit(ctx, SignalUnregistered, name, event.EmitOptions{})
	return nil
}

// On subscribes an ad-hoc handler to an event type or pattern and returns
// its id.
func (m *Manager) On(pattern string, fn EventFunc, opts HandlerOptions) (string, error) {
	if !event.ValidName(pattern) {
		return "", &ecerrors.ValidationError{Subject: "subscription", Errors: []string{"invalid pattern " + pattern}}
	}
	if fn == nil {
		return "", fmt.Errorf("nil handler function: %w", ecerrors.ErrInvalidHandler)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addSubLocked(pattern, "", fn, opts), nil
}

// Off removes an ad-hoc subscription. It reports whether it existed.
func (m *Manager) Off(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.integration != "" {
		return false
	}
	delete(m.subs, id)
	return true
}

// Use appends middleware. Middleware runs in registration order.
func (m *Manager) Use(mw ...Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.middleware = append(m.middleware, mw...)
}

func (m *Manager) addSubLocked(pattern, integration string, fn EventFunc, opts HandlerOptions) string {
	m.seq++
	s := &subscription{
		id:          uuid.NewString(),
		pattern:     pattern,
		integration: integration,
		fn:          fn,
		opts:        opts,
		seq:         m.seq,
	}
	m.subs[s.id] = s
	return s.id
}

func (m *Manager) removeSubsLocked(ids []string) {
	for _, id := range ids {
		delete(m.subs, id)
	}
}

// HandlerCount returns the number of subscriptions.
func (m *Manager) HandlerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// HealthChecker is implemented by handlers that report their own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (health.CheckResult, error)
}

// handlerCheck reports an integration's health from its own check or
// from its lifecycle status.
func handlerCheck(h Handler) health.CheckFunc {
	return func(ctx context.Context) (health.CheckResult, error) {
		if hc, ok := h.(HealthChecker); ok {
			return hc.HealthCheck(ctx)
		}
		st := h.Status()
		data := map[string]any{"processed": st.Processed, "failed": st.Failed, "in_flight": st.InFlight}
		switch {
		case !st.Initialized:
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "not initialized", Data: data}, nil
		case !st.Enabled:
			return health.CheckResult{Status: health.StatusDegraded, Message: "disabled", Data: data}, nil
		default:
			return health.CheckResult{Status: health.StatusHealthy, Data: data}, nil
		}
	}
}
