package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

// Delivery is a failed guaranteed delivery awaiting retry.
type Delivery struct {
	ID        string
	Origin    string // "bus", "emitter" or "integration"
	Target    string // subscription, listener or integration
	Name      string // topic or event type
	Data      any
	Attempts  int
	LastError string
	FailedAt  time.Time
}

// RetryReport summarizes one RetryFailedDeliveries pass.
type RetryReport struct {
	Attempted int
	Succeeded int
	Failed    int
	Dropped   int
}

type pendingDelivery struct {
	Delivery
	retry func(ctx context.Context) error
}

// Ledger tracks failed guaranteed deliveries for both the Bus and the
// Emitter, so a single retry pass covers every primitive sharing it.
type Ledger struct {
	maxPending int
	logger     *slog.Logger

	mu      sync.Mutex
	pending []*pendingDelivery
}

// NewLedger creates a ledger holding at most maxPending deliveries; the
// oldest is dropped when full. maxPending <= 0 means 1000.
func NewLedger(maxPending int, logger *slog.Logger) *Ledger {
	if maxPending <= 0 {
		maxPending = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{maxPending: maxPending, logger: logger}
}

// Record stores a failed delivery with the function that re-attempts it.
func (l *Ledger) Record(d Delivery, retry func(ctx context.Context) error) string {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.FailedAt.IsZero() {
		d.FailedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) >= l.maxPending {
		dropped := l.pending[0]
		l.pending = l.pending[1:]
		l.logger.Warn("guaranteed delivery ledger full, dropping oldest",
			slog.String("delivery_id", dropped.ID),
			slog.String("name", dropped.Name),
		)
	}
	l.pending = append(l.pending, &pendingDelivery{Delivery: d, retry: retry})
	return d.ID
}

// Pending returns a snapshot of deliveries awaiting retry, oldest first.
func (l *Ledger) Pending() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Delivery, len(l.pending))
	for i, p := range l.pending {
		out[i] = p.Delivery
	}
	return out
}

// Len returns the number of pending deliveries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Retry re-attempts every pending delivery once. Successes are removed;
// deliveries whose target no longer exists are dropped.
func (l *Ledger) Retry(ctx context.Context) RetryReport {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	var report RetryReport
	var keep []*pendingDelivery
	for i, p := range batch {
		if ctx.Err() != nil {
			keep = append(keep, batch[i:]...)
			break
		}
		report.Attempted++
		p.Attempts++
		err := p.retry(ctx)
		switch {
		case err == nil:
			report.Succeeded++
		case errors.Is(err, ecerrors.ErrNotFound):
			report.Dropped++
		default:
			report.Failed++
			p.LastError = err.Error()
			p.FailedAt = time.Now()
			keep = append(keep, p)
		}
	}

	if len(keep) > 0 {
		l.mu.Lock()
		l.pending = append(keep, l.pending...)
		if over := len(l.pending) - l.maxPending; over > 0 {
			l.pending = l.pending[over:]
		}
		l.mu.Unlock()
	}
	return report
}
