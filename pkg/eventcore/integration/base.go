package integration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// ConfigResult reports configuration validation.
type ConfigResult struct {
	Valid  bool
	Errors []string
}

// Base carries the lifecycle, configuration and retry plumbing shared by
// integrations. It is meant to be embedded: Base alone does not satisfy
// Handler because it has no EventHandlers table.
type Base struct {
	name    string
	version string
	logger  *slog.Logger

	mu          sync.Mutex
	cfg         config.Values
	required    []string
	enabled     bool
	initialized bool
	inFlight    int
	idle        *sync.Cond
	processed   int64
	failed      int64
	lastErr     error
	lastEventAt time.Time
}

// NewBase returns a Base for embedding. The handler is enabled unless
// defaults set "enabled" to false.
func NewBase(name, version string, defaults config.Values, logger *slog.Logger) Base {
	return Base{
		name:    name,
		version: version,
		logger:  observability.EnrichLogger(observability.LoggerOrDefault(logger), "integration", slog.String("integration", name)),
		cfg:     defaults,
		enabled: defaults.Bool("enabled", true),
	}
}

// Name returns the integration name.
func (b *Base) Name() string { return b.name }

// Version returns the integration version.
func (b *Base) Version() string { return b.version }

// Logger returns the integration's logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Config returns the current configuration.
func (b *Base) Config() config.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Enabled reports whether the integration accepts events.
func (b *Base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// SetEnabled enables or disables the integration.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Initialized reports whether Initialize has completed.
func (b *Base) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// RequireConfig declares keys ValidateConfig insists on.
func (b *Base) RequireConfig(keys ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.required = append(b.required, keys...)
}

// ValidateConfig checks cfg for the required keys.
func (b *Base) ValidateConfig(cfg config.Values) ConfigResult {
	b.mu.Lock()
	required := append([]string(nil), b.required...)
	b.mu.Unlock()

	res := ConfigResult{Valid: true}
	for _, key := range required {
		if !cfg.Has(key) {
			res.Valid = false
			res.Errors = append(res.Errors, key+" is required")
		}
	}
	return res
}

// Initialize merges cfg over the defaults, validates it and marks the
// integration initialized. A second call logs a warning and does nothing.
func (b *Base) Initialize(_ context.Context, cfg config.Values) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		b.logger.Warn("integration already initialized")
		return nil
	}
	merged := b.cfg.Merge(cfg)
	b.mu.Unlock()

	if res := b.ValidateConfig(merged); !res.Valid {
		return &ecerrors.ValidationError{Subject: "integration " + b.name, Errors: res.Errors}
	}

	b.mu.Lock()
	b.cfg = merged
	b.enabled = merged.Bool("enabled", b.enabled)
	b.initialized = true
	b.mu.Unlock()

	b.logger.Info("integration initialized", slog.String("version", b.version))
	return nil
}

// Shutdown waits for in-flight events until ctx ends, then marks the
// integration uninitialized. Outstanding work is logged, not cancelled.
func (b *Base) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.idle == nil {
		b.idle = sync.NewCond(&b.mu)
	}
	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		for b.inFlight > 0 && ctx.Err() == nil {
			b.idle.Wait()
		}
		b.mu.Unlock()
		close(done)
	}()
	b.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		b.mu.Lock()
		outstanding := b.inFlight
		b.idle.Broadcast()
		b.mu.Unlock()
		b.logger.Warn("integration shutdown timed out", slog.Int("in_flight", outstanding))
	}

	b.mu.Lock()
	b.initialized = false
	b.mu.Unlock()
	b.logger.Info("integration shut down")
	return nil
}

func (b *Base) begin() func(err error) {
	b.mu.Lock()
	b.inFlight++
	b.mu.Unlock()

	return func(err error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.inFlight--
		b.lastEventAt = time.Now()
		if err != nil {
			b.failed++
			b.lastErr = err
		} else {
			b.processed++
		}
		if b.inFlight == 0 && b.idle != nil {
			b.idle.Broadcast()
		}
	}
}

// Retry runs op under cfg. Zero cfg fields take ecerrors.DefaultRetry
// values.
func (b *Base) Retry(ctx context.Context, op func(ctx context.Context) error, cfg ecerrors.RetryConfig) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = ecerrors.DefaultRetry.MaxAttempts
	}
	if cfg.Strategy == "" {
		cfg.Strategy = ecerrors.DefaultRetry.Strategy
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = ecerrors.DefaultRetry.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = ecerrors.DefaultRetry.MaxDelay
	}
	res := ecerrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	if res.Err != nil && res.Attempts > 1 {
		b.logger.Warn("operation failed after retries",
			slog.Int("attempts", res.Attempts),
			slog.String("error", res.Err.Error()),
		)
	}
	return res.Err
}

// Status reports the integration's state.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		Name:        b.name,
		Version:     b.version,
		Enabled:     b.enabled,
		Initialized: b.initialized,
		InFlight:    b.inFlight,
		Processed:   b.processed,
		Failed:      b.failed,
		LastEventAt: b.lastEventAt,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}

// String implements fmt.Stringer.
func (b *Base) String() string {
	return fmt.Sprintf("%s@%s", b.name, b.version)
}
