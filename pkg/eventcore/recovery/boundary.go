package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/registry"
)

// BoundaryState is the state of an error boundary.
type BoundaryState string

// Boundary states.
const (
	BoundaryActive   BoundaryState = "active"
	BoundaryIsolated BoundaryState = "isolated"
)

// FallbackFunc serves a call rejected by an isolated boundary.
type FallbackFunc func(ctx context.Context, cause error) error

// BoundaryConfig configures a Boundary.
type BoundaryConfig struct {
	Name string

	// MaxErrors within ErrorWindow isolates the boundary.
	MaxErrors   int
	ErrorWindow time.Duration

	// ResetTimeout is how long an isolated boundary stays isolated before
	// admitting calls again.
	ResetTimeout time.Duration

	// Fallback, when set, serves calls while isolated.
	Fallback FallbackFunc

	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultBoundaryConfig provides sensible defaults.
var DefaultBoundaryConfig = BoundaryConfig{
	MaxErrors:    5,
	ErrorWindow:  time.Minute,
	ResetTimeout: 5 * time.Minute,
}

func (c BoundaryConfig) withDefaults(base BoundaryConfig) BoundaryConfig {
	if c.MaxErrors <= 0 {
		c.MaxErrors = base.MaxErrors
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = base.ErrorWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = base.ResetTimeout
	}
	if c.Fallback == nil {
		c.Fallback = base.Fallback
	}
	if c.Logger == nil {
		c.Logger = base.Logger
	}
	if c.Now == nil {
		c.Now = base.Now
	}
	return c
}

// BoundaryStatus is a snapshot of a boundary.
type BoundaryStatus struct {
	Name         string        `json:"name"`
	State        BoundaryState `json:"state"`
	WindowErrors int           `json:"window_errors"`
	TotalErrors  int64         `json:"total_errors"`
	Isolations   int64         `json:"isolations"`
	IsolatedAt   time.Time     `json:"isolated_at,omitzero"`
	LastError    string        `json:"last_error,omitempty"`
}

// Boundary contains the failures of one integration. Once MaxErrors
// failures land inside ErrorWindow the boundary isolates and rejects calls
// with an IsolationError, or serves them through the fallback.
type Boundary struct {
	cfg    BoundaryConfig
	logger *slog.Logger

	mu          sync.Mutex
	state       BoundaryState
	errors      []time.Time
	totalErrors int64
	isolations  int64
	isolatedAt  time.Time
	lastErr     error
}

// NewBoundary creates a boundary. Zero config fields take
// DefaultBoundaryConfig values.
func NewBoundary(cfg BoundaryConfig) *Boundary {
	cfg = cfg.withDefaults(DefaultBoundaryConfig)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Boundary{
		cfg:    cfg,
		logger: observability.EnrichLogger(observability.LoggerOrDefault(cfg.Logger), "boundary", slog.String("boundary", cfg.Name)),
		state:  BoundaryActive,
	}
}

// Name returns the boundary name.
func (b *Boundary) Name() string {
	return b.cfg.Name
}

// Execute runs fn inside the boundary.
func (b *Boundary) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if cause := b.admit(); cause != nil {
		if b.cfg.Fallback != nil {
			return b.cfg.Fallback(ctx, cause)
		}
		return cause
	}

	err := safeRun(ctx, fn)
	if err != nil {
		b.RecordError(err)
	}
	return err
}

func (b *Boundary) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BoundaryIsolated {
		return nil
	}
	if b.cfg.Now().Sub(b.isolatedAt) >= b.cfg.ResetTimeout {
		b.resetLocked()
		b.logger.Info("boundary reset after timeout")
		return nil
	}
	return &ecerrors.IsolationError{Boundary: b.cfg.Name, Err: b.lastErr}
}

// RecordError counts a failure observed outside Execute.
func (b *Boundary) RecordError(err error) {
	b.mu.Lock()
	now := b.cfg.Now()
	b.totalErrors++
	b.lastErr = err
	b.errors = append(b.errors, now)
	b.pruneLocked(now)

	isolate := b.state == BoundaryActive && len(b.errors) >= b.cfg.MaxErrors
	if isolate {
		b.state = BoundaryIsolated
		b.isolatedAt = now
		b.isolations++
	}
	count := len(b.errors)
	b.mu.Unlock()

	if isolate {
		b.logger.Warn("boundary isolated",
			slog.Int("errors", count),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Boundary) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.ErrorWindow)
	i := 0
	for i < len(b.errors) && b.errors[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.errors = append(b.errors[:0], b.errors[i:]...)
	}
}

// Isolated reports whether the boundary is rejecting calls.
func (b *Boundary) Isolated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BoundaryIsolated
}

// Reset returns the boundary to active and clears its error window.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Boundary) resetLocked() {
	b.state = BoundaryActive
	b.errors = b.errors[:0]
	b.isolatedAt = time.Time{}
}

// Status returns a snapshot of the boundary.
func (b *Boundary) Status() BoundaryStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.cfg.Now())
	s := BoundaryStatus{
		Name:         b.cfg.Name,
		State:        b.state,
		WindowErrors: len(b.errors),
		TotalErrors:  b.totalErrors,
		Isolations:   b.isolations,
		IsolatedAt:   b.isolatedAt,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}

func safeRun(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// BoundaryRegistry holds named boundaries created lazily from shared
// defaults.
type BoundaryRegistry struct {
	defaults   BoundaryConfig
	boundaries *registry.Registry[string, *Boundary]
}

// NewBoundaryRegistry creates a registry whose boundaries inherit defaults.
func NewBoundaryRegistry(defaults BoundaryConfig) *BoundaryRegistry {
	return &BoundaryRegistry{
		defaults:   defaults.withDefaults(DefaultBoundaryConfig),
		boundaries: registry.New[string, *Boundary](),
	}
}

// Get returns the boundary for name, creating it on first use.
func (r *BoundaryRegistry) Get(name string, overrides *BoundaryConfig) *Boundary {
	return r.boundaries.GetOrCreate(name, func() *Boundary {
		cfg := r.defaults
		if overrides != nil {
			cfg = overrides.withDefaults(r.defaults)
		}
		cfg.Name = name
		return NewBoundary(cfg)
	})
}

// Lookup returns an existing boundary.
func (r *BoundaryRegistry) Lookup(name string) (*Boundary, bool) {
	return r.boundaries.Get(name)
}

// Remove drops a boundary. It reports whether it existed.
func (r *BoundaryRegistry) Remove(name string) bool {
	_, ok := r.boundaries.LoadAndDelete(name)
	return ok
}

// Isolated returns the names of isolated boundaries in sorted order.
func (r *BoundaryRegistry) Isolated() []string {
	var out []string
	r.boundaries.Range(func(name string, b *Boundary) bool {
		if b.Isolated() {
			out = append(out, name)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Statuses returns a snapshot of every boundary keyed by name.
func (r *BoundaryRegistry) Statuses() map[string]BoundaryStatus {
	out := make(map[string]BoundaryStatus, r.boundaries.Len())
	r.boundaries.Range(func(name string, b *Boundary) bool {
		out[name] = b.Status()
		return true
	})
	return out
}

// ResetAll resets every boundary.
func (r *BoundaryRegistry) ResetAll() {
	for _, b := range r.boundaries.Values() {
		b.Reset()
	}
}
