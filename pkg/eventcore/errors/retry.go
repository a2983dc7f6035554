package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

// Backoff strategies.
const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// Strategy is the backoff strategy. Default: exponential.
	Strategy Strategy

	// BaseDelay is the delay unit the strategy scales.
	BaseDelay time.Duration

	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration

	// Jitter is the random jitter factor (0.0-1.0) applied as +/- jitter.
	Jitter float64

	// RetryableErrors lists error codes, message fragments or type names
	// that should be retried. Empty means the default Kind based policy.
	RetryableErrors []string

	// RetryableFunc optionally overrides every other retryability check.
	RetryableFunc func(error) bool
}

// DefaultRetry is the standard retry configuration.
var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	Strategy:    StrategyExponential,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// Delay returns the wait before attempt n (1-based) without jitter.
//
//	exponential: BaseDelay * 2^(n-1)
//	linear:      BaseDelay * n
//	fixed:       BaseDelay
//
// The result never exceeds MaxDelay when MaxDelay is set.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d float64
	switch c.Strategy {
	case StrategyFixed:
		d = float64(c.BaseDelay)
	case StrategyLinear:
		d = float64(c.BaseDelay) * float64(attempt)
	default:
		d = float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	}

	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// JitteredDelay returns Delay(attempt) with +/- Jitter applied, clamped to
// [0, MaxDelay].
func (c RetryConfig) JitteredDelay(attempt int) time.Duration {
	base := c.Delay(attempt)
	if c.Jitter <= 0 {
		return base
	}

	jitterAmount := float64(base) * c.Jitter * (rand.Float64()*2 - 1)
	d := time.Duration(float64(base) + jitterAmount)
	if d < 0 {
		d = 0
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Retryable reports whether err should be retried under this configuration.
func (c RetryConfig) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if c.RetryableFunc != nil {
		return c.RetryableFunc(err)
	}
	if len(c.RetryableErrors) == 0 {
		return IsRetryable(err)
	}
	return matchesAny(err, c.RetryableErrors)
}

// coder is implemented by errors that carry a machine-readable code.
type coder interface {
	Code() string
}

func matchesAny(err error, patterns []string) bool {
	msg := err.Error()
	typeName := fmt.Sprintf("%T", err)

	var code string
	var c coder
	if errors.As(err, &c) {
		code = c.Code()
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		if code != "" && code == p {
			return true
		}
		if strings.Contains(msg, p) || strings.HasSuffix(typeName, p) {
			return true
		}
	}
	return false
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// WithRetry executes a function with retries based on the configuration.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(_ context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext executes a function with retries, respecting context cancellation.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      &ClassifiedError{Err: err, Kind: KindPermanent, Attempts: attempt - 1, Op: "context cancelled"},
				Attempts: attempt - 1,
				Duration: time.Since(start),
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}
		lastErr = err

		if !cfg.Retryable(err) {
			return RetryResult[T]{
				Err:      err,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		// Don't sleep after the last attempt
		if attempt < maxAttempts {
			timer := time.NewTimer(cfg.JitteredDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return RetryResult[T]{
					Err:      &ClassifiedError{Err: ctx.Err(), Kind: KindPermanent, Attempts: attempt, Op: "context cancelled during backoff"},
					Attempts: attempt,
					Duration: time.Since(start),
				}
			case <-timer.C:
			}
		}
	}

	return RetryResult[T]{
		Err: &ClassifiedError{
			Err:      lastErr,
			Kind:     KindTerminal,
			Attempts: maxAttempts,
			Op:       "max retries exceeded",
		},
		Attempts: maxAttempts,
		Duration: time.Since(start),
	}
}

// RetryOption configures retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxAttempts = n
	}
}

// WithStrategy sets the backoff strategy.
func WithStrategy(s Strategy) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.Strategy = s
	}
}

// WithBaseDelay sets the base delay.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.BaseDelay = d
	}
}

// WithMaxDelay sets the delay cap.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxDelay = d
	}
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.Jitter = j
	}
}

// WithRetryableErrors sets the retryable codes, messages or type names.
func WithRetryableErrors(patterns ...string) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.RetryableErrors = patterns
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.RetryableFunc = fn
	}
}

// NewRetryConfig creates a retry configuration with the given options.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
