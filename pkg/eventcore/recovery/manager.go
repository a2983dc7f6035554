package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventcore/pkg/eventcore/circuit"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/health"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// Built-in strategy names.
const (
	StrategyImmediateRetry = "immediate-retry"
	StrategyCircuitReset   = "circuit-reset"
	StrategyBoundaryReset  = "boundary-reset"
	StrategyEscalation     = "escalation"
)

// Lifecycle signals emitted on the configured emitter. The payload is the
// Job snapshot.
const (
	SignalStarted   = "recovery:started"
	SignalCompleted = "recovery:completed"
	SignalFailed    = "recovery:failed"
	SignalEscalated = "recovery:escalated"
)

// ErrJobActive is returned when an integration already has a running job.
var ErrJobActive = errors.New("recovery already in progress")

// JobStatus is the state of a recovery job.
type JobStatus string

// Job statuses.
const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobSuccess    JobStatus = "success"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Request is passed to a strategy.
type Request struct {
	Integration string
	Strategy    string
	Attempt     int
	Reason      string
	Data        map[string]any

	// Retry re-runs the failed operation, when the caller has one.
	Retry func(ctx context.Context) error
}

// Outcome describes what a strategy did.
type Outcome struct {
	Action  string         `json:"action"`
	Details map[string]any `json:"details,omitempty"`
}

// Strategy performs one recovery attempt.
type Strategy func(ctx context.Context, req Request) (Outcome, error)

// Job is a snapshot of a recovery run.
type Job struct {
	ID          string    `json:"id"`
	Integration string    `json:"integration"`
	Strategy    string    `json:"strategy"`
	Reason      string    `json:"reason,omitempty"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	Escalated   bool      `json:"escalated"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
}

// Done reports whether the job reached a terminal status.
func (j Job) Done() bool {
	switch j.Status {
	case JobSuccess, JobFailed, JobCancelled:
		return true
	}
	return false
}

// TriggerOptions configure one recovery run.
type TriggerOptions struct {
	Reason string
	Data   map[string]any
	Retry  func(ctx context.Context) error

	// MaxAttempts overrides the manager default when positive.
	MaxAttempts int

	// RetryDelay overrides the manager default when positive.
	RetryDelay time.Duration
}

// Stats summarize recovery activity.
type Stats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Cancelled  int            `json:"cancelled"`
	Escalated  int            `json:"escalated"`
	ByStrategy map[string]int `json:"by_strategy"`
	Incidents  map[string]int `json:"incidents"`
}

// Config configures a Manager.
type Config struct {
	ScanInterval        time.Duration
	MaxAttempts         int
	RetryDelay          time.Duration
	EscalationThreshold int
	JobTimeout          time.Duration
	HistoryLimit        int

	// Optional collaborators. Strategies that need a missing one fail.
	Breakers   *circuit.Registry
	Boundaries *BoundaryRegistry
	Health     *health.Monitor
	Signals    *event.Emitter

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	ScanInterval:        30 * time.Second,
	MaxAttempts:         3,
	RetryDelay:          5 * time.Second,
	EscalationThreshold: 5,
	JobTimeout:          30 * time.Second,
	HistoryLimit:        100,
}

type job struct {
	Job
	cancel context.CancelFunc
	req    Request
	opts   TriggerOptions
}

// Manager runs recovery strategies.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	mu         sync.Mutex
	strategies map[string]Strategy
	jobs       map[string]*job
	history    []*job
	active     map[string]*job
	incidents  map[string]int

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a manager with the built-in strategies registered.
func NewManager(cfg Config) *Manager {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig.ScanInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = DefaultConfig.EscalationThreshold
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig.JobTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig.HistoryLimit
	}

	m := &Manager{
		cfg:        cfg,
		logger:     observability.EnrichLogger(observability.LoggerOrDefault(cfg.Logger), "recovery"),
		metrics:    observability.MetricsOrNoop(cfg.Metrics),
		strategies: make(map[string]Strategy),
		jobs:       make(map[string]*job),
		active:     make(map[string]*job),
		incidents:  make(map[string]int),
	}
	m.strategies[StrategyImmediateRetry] = m.immediateRetry
	m.strategies[StrategyCircuitReset] = m.circuitReset
	m.strategies[StrategyBoundaryReset] = m.boundaryReset
	m.strategies[StrategyEscalation] = m.escalate
	return m
}

// RegisterStrategy adds or replaces a strategy.
func (m *Manager) RegisterStrategy(name string, fn Strategy) error {
	if name == "" || fn == nil {
		return &ecerrors.ValidationError{Subject: "recovery strategy", Errors: []string{"name and function are required"}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[name] = fn
	return nil
}

// Strategies returns the registered strategy names in sorted order.
func (m *Manager) Strategies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.strategies))
	for name := range m.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TriggerRecovery runs strategy against integration and waits for the
// job to finish. It returns ErrJobActive with the running job when the
// integration is already being recovered.
func (m *Manager) TriggerRecovery(ctx context.Context, integration, strategy string, opts TriggerOptions) (Job, error) {
	j, err := m.begin(integration, strategy, opts)
	if err != nil {
		return j.snapshotOr(), err
	}
	return m.run(ctx, j), nil
}

func (j *job) snapshotOr() Job {
	if j == nil {
		return Job{}
	}
	return j.Job
}

func (m *Manager) begin(integration, strategy string, opts TriggerOptions) (*job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.strategies[strategy]; !ok {
		return nil, fmt.Errorf("recovery strategy %q: %w", strategy, ecerrors.ErrNotFound)
	}
	if existing, ok := m.active[integration]; ok {
		snapshot := &job{Job: existing.Job}
		return snapshot, fmt.Errorf("integration %q: %w", integration, ErrJobActive)
	}

	j := &job{
		Job: Job{
			ID:          uuid.NewString(),
			Integration: integration,
			Strategy:    strategy,
			Reason:      opts.Reason,
			Status:      JobPending,
			StartedAt:   time.Now(),
		},
		opts: opts,
		req: Request{
			Integration: integration,
			Strategy:    strategy,
			Reason:      opts.Reason,
			Data:        opts.Data,
			Retry:       opts.Retry,
		},
	}
	m.active[integration] = j
	m.jobs[j.ID] = j
	m.history = append(m.history, j)
	m.trimHistoryLocked()
	return j, nil
}

func (m *Manager) trimHistoryLocked() {
	for len(m.history) > m.cfg.HistoryLimit {
		evicted := -1
		for i, h := range m.history {
			if h.Done() {
				evicted = i
				break
			}
		}
		if evicted < 0 {
			return
		}
		delete(m.jobs, m.history[evicted].ID)
		m.history = append(m.history[:evicted], m.history[evicted+1:]...)
	}
}

func (m *Manager) run(ctx context.Context, j *job) Job {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxAttempts := m.cfg.MaxAttempts
	if j.opts.MaxAttempts > 0 {
		maxAttempts = j.opts.MaxAttempts
	}
	delay := m.cfg.RetryDelay
	if j.opts.RetryDelay > 0 {
		delay = j.opts.RetryDelay
	}

	m.mu.Lock()
	j.cancel = cancel
	if j.Status == JobCancelled {
		cancel()
	} else {
		j.Status = JobInProgress
	}
	started := j.Job
	m.mu.Unlock()

	m.signal(ctx, SignalStarted, started)
	m.logger.Info("recovery started",
		slog.String("integration", j.Integration),
		slog.String("strategy", j.Strategy),
		slog.String("job_id", j.ID),
	)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		strategy, escalated := m.nextStrategy(j)
		start := time.Now()
		outcome, err := m.attempt(ctx, strategy, j, attempt)
		m.metrics.RecordRecovery(ctx, j.Strategy, err == nil, time.Since(start))

		if escalated {
			m.ResetIncidents(j.Integration)
			return m.finish(ctx, j, JobFailed, &outcome, err, true)
		}
		if err == nil {
			err = m.verify(ctx, j.Integration)
		}
		if err == nil {
			m.mu.Lock()
			delete(m.incidents, j.Integration)
			m.mu.Unlock()
			return m.finish(ctx, j, JobSuccess, &outcome, nil, false)
		}

		lastErr = err
		m.logger.Warn("recovery attempt failed",
			slog.String("integration", j.Integration),
			slog.String("strategy", j.Strategy),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	if errors.Is(lastErr, context.Canceled) {
		return m.finish(ctx, j, JobCancelled, nil, lastErr, false)
	}
	return m.finish(ctx, j, JobFailed, nil, lastErr, false)
}

// nextStrategy counts an attempt against the integration and picks the
// escalation strategy once the threshold is exceeded.
func (m *Manager) nextStrategy(j *job) (Strategy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[j.Integration]++
	j.Attempts++
	if m.incidents[j.Integration] > m.cfg.EscalationThreshold && j.Strategy != StrategyEscalation {
		j.Escalated = true
		return m.strategies[StrategyEscalation], true
	}
	return m.strategies[j.Strategy], false
}

func (m *Manager) attempt(ctx context.Context, strategy Strategy, j *job, attempt int) (outcome Outcome, err error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	defer cancel()

	req := j.req
	req.Attempt = attempt

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return strategy(ctx, req)
}

// verify confirms a recovery through the health check named after the
// integration, when one is registered.
func (m *Manager) verify(ctx context.Context, integration string) error {
	if m.cfg.Health == nil || !m.cfg.Health.HasCheck(integration) {
		return nil
	}
	records, err := m.cfg.Health.ForceCheck(ctx, integration)
	if err != nil {
		return err
	}
	if rec := records[integration]; rec.Last.Status != health.StatusHealthy {
		return fmt.Errorf("verification failed: %s is %s", integration, rec.Last.Status)
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, j *job, status JobStatus, outcome *Outcome, err error, escalated bool) Job {
	m.mu.Lock()
	if j.Status == JobCancelled {
		status = JobCancelled
	}
	j.Status = status
	j.EndedAt = time.Now()
	j.Outcome = outcome
	if err != nil {
		j.Error = err.Error()
	}
	j.cancel = nil
	if m.active[j.Integration] == j {
		delete(m.active, j.Integration)
	}
	snapshot := j.Job
	m.trimHistoryLocked()
	m.mu.Unlock()

	signalCtx := context.WithoutCancel(ctx)
	switch {
	case escalated:
		m.logger.Error("recovery escalated",
			slog.String("integration", j.Integration),
			slog.Int("attempts", snapshot.Attempts),
		)
		m.signal(signalCtx, SignalEscalated, snapshot)
	case status == JobSuccess:
		m.logger.Info("recovery completed",
			slog.String("integration", j.Integration),
			slog.String("strategy", j.Strategy),
			slog.Int("attempts", snapshot.Attempts),
		)
		m.signal(signalCtx, SignalCompleted, snapshot)
	default:
		m.logger.Warn("recovery failed",
			slog.String("integration", j.Integration),
			slog.String("strategy", j.Strategy),
			slog.String("status", string(status)),
			slog.String("error", snapshot.Error),
		)
		m.signal(signalCtx, SignalFailed, snapshot)
	}
	return snapshot
}

func (m *Manager) signal(ctx context.Context, name string, j Job) {
	if m.cfg.Signals == nil {
		return
	}
	m.cfg.Signals.Emit(ctx, name, j, event.EmitOptions{})
}

// CancelJob stops a running job. It reports whether the job was running.
func (m *Manager) CancelJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Done() {
		return false
	}
	j.Status = JobCancelled
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

// Job returns a job snapshot.
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.Job, true
}

// Jobs returns up to limit job snapshots, newest first. A non-positive
// limit returns the whole history.
func (m *Manager) Jobs(limit int) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Job, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i].Job)
	}
	return out
}

// ActiveJob returns the running job for an integration.
func (m *Manager) ActiveJob(integration string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.active[integration]
	if !ok {
		return Job{}, false
	}
	return j.Job, true
}

// ResetIncidents clears the escalation counter of an integration. The
// counter also clears after a successful recovery and after escalation
// fires, so the next incident starts with the integration's own strategy.
func (m *Manager) ResetIncidents(integration string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.incidents, integration)
}

// Stats summarizes the job history.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Total:      len(m.history),
		Active:     len(m.active),
		ByStrategy: make(map[string]int),
		Incidents:  make(map[string]int, len(m.incidents)),
	}
	for _, j := range m.history {
		s.ByStrategy[j.Strategy]++
		switch j.Status {
		case JobSuccess:
			s.Succeeded++
		case JobFailed:
			s.Failed++
		case JobCancelled:
			s.Cancelled++
		}
		if j.Escalated {
			s.Escalated++
		}
	}
	for k, v := range m.incidents {
		s.Incidents[k] = v
	}
	return s
}

// Scan starts a job for every open breaker and isolated boundary that has
// no running job. Jobs run in the background; Scan returns the ids started.
func (m *Manager) Scan(ctx context.Context) []string {
	type target struct{ integration, strategy, reason string }
	var targets []target
	if m.cfg.Breakers != nil {
		for _, name := range m.cfg.Breakers.Open() {
			targets = append(targets, target{name, StrategyCircuitReset, "circuit open"})
		}
	}
	if m.cfg.Boundaries != nil {
		for _, name := range m.cfg.Boundaries.Isolated() {
			targets = append(targets, target{name, StrategyBoundaryReset, "boundary isolated"})
		}
	}

	var started []string
	for _, t := range targets {
		j, err := m.begin(t.integration, t.strategy, TriggerOptions{Reason: t.reason})
		if err != nil {
			continue
		}
		started = append(started, j.ID)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run(ctx, j)
		}()
	}
	return started
}

// Start scans on ScanInterval until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("recovery manager: %w", ecerrors.ErrAlreadyInitialized)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.loop(ctx, m.stopped)
	return nil
}

func (m *Manager) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Stop halts scanning, cancels background jobs and waits for them.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	m.wg.Wait()
}

// Running reports whether the scan loop is active.
func (m *Manager) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}
