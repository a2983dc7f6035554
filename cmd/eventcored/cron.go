package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepTimeout = time.Minute

// schedule registers the periodic maintenance jobs. An empty expression skips
// its job.
func (app *application) schedule() (*cron.Cron, error) {
	c := cron.New()
	s := app.settings.Schedule

	if s.RetryDeliveries != "" {
		if _, err := c.AddFunc(s.RetryDeliveries, app.retryDeliveries); err != nil {
			return nil, fmt.Errorf("schedule delivery retry %q: %w", s.RetryDeliveries, err)
		}
	}
	if s.RetryDeadLetters != "" {
		if _, err := c.AddFunc(s.RetryDeadLetters, app.retryDeadLetters); err != nil {
			return nil, fmt.Errorf("schedule dead-letter retry %q: %w", s.RetryDeadLetters, err)
		}
	}
	return c, nil
}

func (app *application) retryDeliveries() {
	if app.ledger.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	report := app.manager.RetryFailedDeliveries(ctx)
	app.logger.Info("guaranteed delivery sweep",
		slog.Int("attempted", report.Attempted),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("dropped", report.Dropped),
	)
}

func (app *application) retryDeadLetters() {
	ids := app.queue.RetryDeadLetters()
	if len(ids) > 0 {
		app.logger.Info("dead letters requeued", slog.Int("count", len(ids)))
	}
}
