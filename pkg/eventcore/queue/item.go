package queue

import (
	"context"
	"strings"
	"time"
)

// Priority orders queued items. Lower values are served first.
// The zero value means "unset" and is treated as Normal.
type Priority int

// Priority levels.
const (
	Critical Priority = iota + 1
	High
	Normal
	Low
	Background
)

// priorities lists every level in service order.
var priorities = []Priority{Critical, High, Normal, Low, Background}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a known level.
func (p Priority) Valid() bool {
	return p >= Critical && p <= Background
}

// ParsePriority maps a name to a Priority.
func ParsePriority(s string) (Priority, bool) {
	for _, p := range priorities {
		if strings.EqualFold(s, p.String()) {
			return p, true
		}
	}
	return Normal, false
}

// Processor handles one item. Its result is reported through OnProcessed.
// The context carries the per-item timeout.
type Processor func(ctx context.Context, data any, item *Item) (any, error)

// Options are per-item settings. Zero values fall back to the queue defaults.
type Options struct {
	// Priority selects the bucket. Default: Normal.
	Priority Priority

	// MaxRetries is the total number of attempts before the item is
	// dead-lettered.
	MaxRetries int

	// Timeout bounds one processing attempt.
	Timeout time.Duration

	// RetryDelay is the wait before a failed item is re-queued.
	RetryDelay time.Duration

	// Batchable allows the item to be processed as part of a batch.
	Batchable bool

	// Guaranteed marks items whose loss must be surfaced loudly.
	Guaranteed bool

	// Processor overrides the queue's default processor.
	Processor Processor

	// ProcessorKey identifies the processor for batch grouping. Items with
	// a custom Processor and no key are never batched with other items.
	ProcessorKey string

	// Metadata is opaque caller data carried with the item.
	Metadata map[string]any
}

// Item is a queued unit of work.
type Item struct {
	ID          string
	Data        any
	Options     Options
	Attempts    int
	Errors      []string
	QueuedAt    time.Time
	LastAttempt time.Time

	// owned is set once the item has been admitted by Push or PushBatch.
	owned bool
}

// batchKey groups items that share a processor.
func (it *Item) batchKey() string {
	if it.Options.ProcessorKey != "" {
		return it.Options.ProcessorKey
	}
	if it.Options.Processor != nil {
		return "item:" + it.ID
	}
	return ""
}

// Entry is one element of a PushBatch call.
type Entry struct {
	Data    any
	Options Options
}

// DeadLetter is an item that exhausted its retries.
type DeadLetter struct {
	Item           Item
	DeadLetteredAt time.Time
	LastError      string
}

// DeadLetterQuery filters DeadLetters. Zero fields match everything.
type DeadLetterQuery struct {
	Priority *Priority
	Since    time.Time
	Limit    int
}

// BatchResult reports the outcome of one processed batch group.
type BatchResult struct {
	Key     string
	Items   []*Item
	Results []any
	Errors  []error
}

// State is the processing state of the queue.
type State string

// Queue states.
const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateDraining   State = "draining"
)
