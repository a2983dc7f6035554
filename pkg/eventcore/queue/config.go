package queue

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// Config configures a Queue.
type Config struct {
	// MaxSize bounds the number of items owned by the queue. Default: 1000.
	MaxSize int

	// MaxConcurrency bounds in-flight items. Default: 5.
	MaxConcurrency int

	// BatchSize bounds items pulled per cycle. Default: 10.
	BatchSize int

	// ProcessingInterval is the cycle period. Default: 100ms.
	ProcessingInterval time.Duration

	// RateLimit is the token refill rate per second and the bucket
	// capacity. Zero disables rate limiting.
	RateLimit int

	// EnableBatching processes two or more batchable items together.
	EnableBatching bool

	// DeadLetterSize bounds the dead-letter ring. Default: 100.
	DeadLetterSize int

	// MaxRetries is the default attempt budget per item. Default: 3.
	MaxRetries int

	// RetryDelay is the default re-queue delay. Default: 1s.
	RetryDelay time.Duration

	// Timeout is the default per-attempt timeout. Default: 30s.
	Timeout time.Duration

	// Processor handles items that carry no processor of their own.
	// Nil means the item data is the result.
	Processor Processor

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder

	// OnProcessed is called after an item succeeds.
	OnProcessed func(item *Item, result any)

	// OnRetry is called when a failed item is scheduled for another attempt.
	OnRetry func(item *Item, err error)

	// OnDeadLetter is called when an item exhausts its retries.
	OnDeadLetter func(entry DeadLetter)

	// OnEmpty is called when a cycle finds nothing to do.
	OnEmpty func()

	// OnBatch is called once per processed batch group.
	OnBatch func(result BatchResult)
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxSize:            1000,
	MaxConcurrency:     5,
	BatchSize:          10,
	ProcessingInterval: 100 * time.Millisecond,
	RateLimit:          100,
	EnableBatching:     true,
	DeadLetterSize:     100,
	MaxRetries:         3,
	RetryDelay:         time.Second,
	Timeout:            30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultConfig.MaxSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultConfig.MaxConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = DefaultConfig.ProcessingInterval
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.DeadLetterSize <= 0 {
		c.DeadLetterSize = DefaultConfig.DeadLetterSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultConfig.RetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Metrics = observability.MetricsOrNoop(c.Metrics)
	return c
}
