package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/eventcore/pkg/eventcore/circuit"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/registry"
)

// Status is a check or system verdict.
type Status string

// Statuses in increasing severity.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

// BreakerCheckName is the name of the built-in circuit breaker check.
const BreakerCheckName = "circuit-breakers"

// CheckResult is what a check reports.
type CheckResult struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// CheckFunc performs one health check.
type CheckFunc func(ctx context.Context) (CheckResult, error)

// CheckOptions configure a registered check.
type CheckOptions struct {
	// Type is a free-form category such as "integration" or "system".
	Type string

	// Critical checks drive the system verdict to unhealthy.
	Critical bool

	// Timeout bounds each run. Zero uses the monitor default.
	Timeout time.Duration
}

// Record is the state of one registered check.
type Record struct {
	Name        string        `json:"name"`
	Type        string        `json:"type,omitempty"`
	Critical    bool          `json:"critical"`
	Last        CheckResult   `json:"last"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
	Checks      int64         `json:"checks"`
	Failures    int64         `json:"failures"`
}

// BreakerSummary counts breakers by state.
type BreakerSummary struct {
	Total    int      `json:"total"`
	Closed   int      `json:"closed"`
	Open     int      `json:"open"`
	HalfOpen int      `json:"half_open"`
	Failing  []string `json:"failing,omitempty"`
}

// SystemHealth is the aggregated verdict.
type SystemHealth struct {
	Status    Status            `json:"status"`
	Checks    map[string]Record `json:"checks"`
	Breakers  *BreakerSummary   `json:"breakers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Config configures a Monitor.
type Config struct {
	CheckInterval     time.Duration
	CheckTimeout      time.Duration
	CacheTTL          time.Duration
	PerformanceWindow time.Duration
	MetricLimit       int

	// Breakers, when set, adds the built-in circuit-breakers check and a
	// breaker summary to SystemHealth.
	Breakers *circuit.Registry

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	CheckInterval:     30 * time.Second,
	CheckTimeout:      5 * time.Second,
	CacheTTL:          5 * time.Second,
	PerformanceWindow: 5 * time.Minute,
	MetricLimit:       1000,
}

type check struct {
	fn   CheckFunc
	opts CheckOptions

	mu     sync.Mutex
	record Record
}

func (c *check) snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// Monitor runs health checks and records performance metrics.
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	checks  *registry.Registry[string, *check]

	cacheMu  sync.Mutex
	cached   *SystemHealth
	cachedAt time.Time

	perfMu sync.Mutex
	perf   map[string]*metricWindow

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewMonitor creates a monitor. Zero config fields take DefaultConfig values.
func NewMonitor(cfg Config) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultConfig.CheckTimeout
	}
	if cfg.CacheTTL < 0 {
		cfg.CacheTTL = 0
	} else if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultConfig.CacheTTL
	}
	if cfg.PerformanceWindow <= 0 {
		cfg.PerformanceWindow = DefaultConfig.PerformanceWindow
	}
	if cfg.MetricLimit <= 0 {
		cfg.MetricLimit = DefaultConfig.MetricLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Monitor{
		cfg:     cfg,
		logger:  observability.EnrichLogger(observability.LoggerOrDefault(cfg.Logger), "health"),
		metrics: observability.MetricsOrNoop(cfg.Metrics),
		checks:  registry.New[string, *check](),
		perf:    make(map[string]*metricWindow),
	}
	if cfg.Breakers != nil {
		_ = m.RegisterCheck(BreakerCheckName, breakerCheck(cfg.Breakers), CheckOptions{Type: "system"})
	}
	return m
}

// RegisterCheck adds or replaces a check.
func (m *Monitor) RegisterCheck(name string, fn CheckFunc, opts CheckOptions) error {
	if name == "" {
		return &ecerrors.ValidationError{Subject: "health check", Errors: []string{"name is required"}}
	}
	if fn == nil {
		return &ecerrors.ValidationError{Subject: "health check " + name, Errors: []string{"check function is required"}}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.CheckTimeout
	}
	m.checks.Register(name, &check{
		fn:   fn,
		opts: opts,
		record: Record{
			Name:     name,
			Type:     opts.Type,
			Critical: opts.Critical,
		},
	})
	m.invalidate()
	return nil
}

// UnregisterCheck removes a check. It reports whether it existed.
func (m *Monitor) UnregisterCheck(name string) bool {
	_, ok := m.checks.LoadAndDelete(name)
	if ok {
		m.invalidate()
	}
	return ok
}

// HasCheck reports whether a check is registered.
func (m *Monitor) HasCheck(name string) bool {
	return m.checks.Has(name)
}

// Check returns the last record of a check.
func (m *Monitor) Check(name string) (Record, bool) {
	c, ok := m.checks.Get(name)
	if !ok {
		return Record{}, false
	}
	return c.snapshot(), true
}

// ForceCheck runs the named checks, or every check when none are named,
// and returns their fresh records.
func (m *Monitor) ForceCheck(ctx context.Context, names ...string) (map[string]Record, error) {
	if len(names) == 0 {
		return m.RunAllChecks(ctx), nil
	}

	selected := make(map[string]*check, len(names))
	for _, name := range names {
		c, ok := m.checks.Get(name)
		if !ok {
			return nil, fmt.Errorf("health check %q: %w", name, ecerrors.ErrNotFound)
		}
		selected[name] = c
	}
	return m.run(ctx, selected), nil
}

// RunAllChecks runs every check concurrently. A failing check never
// aborts the sweep.
func (m *Monitor) RunAllChecks(ctx context.Context) map[string]Record {
	selected := make(map[string]*check)
	m.checks.Range(func(name string, c *check) bool {
		selected[name] = c
		return true
	})
	return m.run(ctx, selected)
}

func (m *Monitor) run(ctx context.Context, checks map[string]*check) map[string]Record {
	var mu sync.Mutex
	out := make(map[string]Record, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for name, c := range checks {
		g.Go(func() error {
			rec := m.execute(gctx, name, c)
			mu.Lock()
			out[name] = rec
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.invalidate()
	return out
}

func (m *Monitor) execute(ctx context.Context, name string, c *check) Record {
	start := m.cfg.Now()
	result, err := runWithTimeout(ctx, c.opts.Timeout, name, c.fn)
	if err != nil {
		result = CheckResult{Status: StatusCritical, Message: err.Error()}
	}
	if result.Status == "" {
		result.Status = StatusHealthy
	}
	duration := m.cfg.Now().Sub(start)

	c.mu.Lock()
	c.record.Last = result
	c.record.LastChecked = m.cfg.Now()
	c.record.Duration = duration
	c.record.Checks++
	if result.Status != StatusHealthy {
		c.record.Failures++
	}
	rec := c.record
	c.mu.Unlock()

	m.metrics.RecordHealthCheck(ctx, name, string(result.Status), duration)
	if result.Status != StatusHealthy {
		m.logger.Warn("health check not healthy",
			slog.String("check", name),
			slog.String("status", string(result.Status)),
			slog.String("message", result.Message),
		)
	}
	return rec
}

func runWithTimeout(ctx context.Context, timeout time.Duration, name string, fn CheckFunc) (CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result CheckResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("check panic: %v", r)}
			}
			done <- o
		}()
		o.result, o.err = fn(ctx)
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return CheckResult{}, &ecerrors.TimeoutError{Operation: "health check " + name, Timeout: timeout}
		}
		return CheckResult{}, ctx.Err()
	}
}

// SystemHealth returns the aggregated verdict. A cached verdict younger
// than CacheTTL is returned as is; otherwise every check runs first.
func (m *Monitor) SystemHealth(ctx context.Context) SystemHealth {
	m.cacheMu.Lock()
	if m.cached != nil && m.cfg.Now().Sub(m.cachedAt) < m.cfg.CacheTTL {
		cached := *m.cached
		m.cacheMu.Unlock()
		return cached
	}
	m.cacheMu.Unlock()

	records := m.RunAllChecks(ctx)
	sh := SystemHealth{
		Status:    Aggregate(records),
		Checks:    records,
		Timestamp: m.cfg.Now(),
	}
	if m.cfg.Breakers != nil {
		summary := SummarizeBreakers(m.cfg.Breakers)
		sh.Breakers = &summary
	}

	m.cacheMu.Lock()
	m.cached = &sh
	m.cachedAt = sh.Timestamp
	m.cacheMu.Unlock()
	return sh
}

// Aggregate derives the system verdict from check records.
func Aggregate(records map[string]Record) Status {
	degraded := false
	for _, r := range records {
		if r.Last.Status == StatusHealthy {
			continue
		}
		if r.Critical {
			return StatusUnhealthy
		}
		degraded = true
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

func (m *Monitor) invalidate() {
	m.cacheMu.Lock()
	m.cached = nil
	m.cacheMu.Unlock()
}

// Start runs every check on CheckInterval until ctx is cancelled or Stop
// is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("health monitor: %w", ecerrors.ErrAlreadyInitialized)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.loop(ctx, m.stopped)
	return nil
}

func (m *Monitor) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.RunAllChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunAllChecks(ctx)
		}
	}
}

// Stop halts periodic checks and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Running reports whether periodic checks are active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// SummarizeBreakers counts breakers by state.
func SummarizeBreakers(reg *circuit.Registry) BreakerSummary {
	var s BreakerSummary
	for name, st := range reg.Statuses() {
		s.Total++
		switch st.State {
		case circuit.StateClosed:
			s.Closed++
		case circuit.StateOpen:
			s.Open++
			s.Failing = append(s.Failing, name)
		case circuit.StateHalfOpen:
			s.HalfOpen++
			s.Failing = append(s.Failing, name)
		}
	}
	sort.Strings(s.Failing)
	return s
}

func breakerCheck(reg *circuit.Registry) CheckFunc {
	return func(context.Context) (CheckResult, error) {
		s := SummarizeBreakers(reg)
		data := map[string]any{
			"total":     s.Total,
			"open":      s.Open,
			"half_open": s.HalfOpen,
		}
		if s.Open > 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d of %d circuit breakers open", s.Open, s.Total),
				Data:    data,
			}, nil
		}
		return CheckResult{Status: StatusHealthy, Data: data}, nil
	}
}
