package main

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/randalmurphal/eventcore/pkg/eventcore/circuit"
	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/health"
	"github.com/randalmurphal/eventcore/pkg/eventcore/integration"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/queue"
	"github.com/randalmurphal/eventcore/pkg/eventcore/recovery"
)

// application holds the wired stack.
type application struct {
	settings config.Settings
	logger   *slog.Logger

	ledger     *event.Ledger
	bus        *event.Bus
	queue      *queue.Queue
	breakers   *circuit.Registry
	boundaries *recovery.BoundaryRegistry
	health     *health.Monitor
	recovery   *recovery.Manager
	manager    *integration.Manager
	cron       *cron.Cron
}

// newApplication builds every component from s. Nothing is started.
func newApplication(s config.Settings, logger *slog.Logger, metrics observability.MetricsRecorder, spans observability.SpanManager) *application {
	ledger := event.NewLedger(0, logger)
	signals := event.NewEmitter(event.EmitterConfig{Ledger: ledger, Logger: logger})

	bus := event.NewBus(event.BusConfig{
		HistorySize: s.Bus.HistorySize,
		DedupeTTL:   s.Bus.DedupeTTL,
		DedupeSize:  s.Bus.DedupeSize,
		Ledger:      ledger,
		Logger:      logger,
	})

	q := queue.New(queue.Config{
		MaxSize:            s.Queue.MaxSize,
		MaxConcurrency:     s.Queue.MaxConcurrency,
		BatchSize:          s.Queue.BatchSize,
		ProcessingInterval: s.Queue.ProcessingInterval,
		RateLimit:          s.Queue.RateLimit,
		EnableBatching:     s.Queue.EnableBatching,
		DeadLetterSize:     s.Queue.DeadLetterSize,
		MaxRetries:         s.Queue.MaxRetries,
		RetryDelay:         s.Queue.RetryDelay,
		Timeout:            s.Queue.ItemTimeout,
		Logger:             logger,
		Metrics:            metrics,
	})

	breakers := circuit.NewRegistry(circuit.Config{
		FailureThreshold:  s.Breaker.FailureThreshold,
		SuccessThreshold:  s.Breaker.SuccessThreshold,
		Timeout:           s.Breaker.Timeout,
		CallTimeout:       s.Breaker.CallTimeout,
		MonitoringPeriod:  s.Breaker.MonitoringPeriod,
		MinimumThroughput: s.Breaker.MinimumThroughput,
		SlowCallThreshold: s.Breaker.SlowCallThreshold,
		Logger:            logger,
		Metrics:           metrics,
	})

	boundaries := recovery.NewBoundaryRegistry(recovery.BoundaryConfig{
		MaxErrors:    s.Boundary.MaxErrors,
		ErrorWindow:  s.Boundary.ErrorWindow,
		ResetTimeout: s.Boundary.ResetTimeout,
		Logger:       logger,
	})

	monitor := health.NewMonitor(health.Config{
		CheckInterval:     s.Health.CheckInterval,
		CheckTimeout:      s.Health.CheckTimeout,
		CacheTTL:          s.Health.CacheTTL,
		PerformanceWindow: s.Health.PerformanceWindow,
		MetricLimit:       s.Health.MetricLimit,
		Breakers:          breakers,
		Logger:            logger,
		Metrics:           metrics,
	})

	rm := recovery.NewManager(recovery.Config{
		ScanInterval:        s.Recovery.ScanInterval,
		MaxAttempts:         s.Recovery.MaxAttempts,
		RetryDelay:          s.Recovery.RetryDelay,
		EscalationThreshold: s.Recovery.EscalationThreshold,
		JobTimeout:          s.Recovery.JobTimeout,
		HistoryLimit:        s.Recovery.HistoryLimit,
		Breakers:            breakers,
		Boundaries:          boundaries,
		Health:              monitor,
		Signals:             signals,
		Logger:              logger,
		Metrics:             metrics,
	})

	integrations := make(map[string]config.Values, len(s.Integrations))
	for name := range s.Integrations {
		integrations[name] = s.IntegrationValues(name)
	}

	manager := integration.NewManager(integration.Config{
		MaxConcurrentHandlers:  s.Manager.MaxConcurrentHandlers,
		HandlerTimeout:         s.Manager.HandlerTimeout,
		ShutdownGracePeriod:    s.Manager.ShutdownGracePeriod,
		EnableCircuitBreakers:  s.Manager.EnableCircuitBreakers,
		EnableErrorBoundaries:  s.Manager.EnableErrorBoundaries,
		EnableHealthMonitoring: s.Manager.EnableHealthMonitoring,
		EnableAutoRecovery:     s.Manager.EnableAutoRecovery,
		EnableBatching:         s.Manager.EnableBatching,
		RequeueIsolated:        s.Manager.RequeueIsolated,
		GuaranteedDelivery:     s.Manager.GuaranteedDelivery,
		BulkEventTypes:         s.Manager.BulkEventTypes,
		Retry:                  s.Manager.Retry.RetryConfig(),
		Integrations:           integrations,
		Logger:                 logger,
		Metrics:                metrics,
		Spans:                  spans,
	},
		integration.WithBreakers(breakers),
		integration.WithBoundaries(boundaries),
		integration.WithHealth(monitor),
		integration.WithRecovery(rm),
		integration.WithQueue(q),
		integration.WithBus(bus),
		integration.WithSignals(signals),
		integration.WithLedger(ledger),
	)

	return &application{
		settings:   s,
		logger:     logger,
		ledger:     ledger,
		bus:        bus,
		queue:      q,
		breakers:   breakers,
		boundaries: boundaries,
		health:     monitor,
		recovery:   rm,
		manager:    manager,
	}
}

// start registers the built-in integrations, initializes the manager and
// starts the maintenance schedule.
func (app *application) start(ctx context.Context) error {
	if err := app.manager.Register(ctx, newAudit(app.logger)); err != nil {
		return err
	}
	if err := app.manager.Initialize(ctx); err != nil {
		return err
	}
	c, err := app.schedule()
	if err != nil {
		return err
	}
	app.cron = c
	app.cron.Start()
	return nil
}

// stop halts the schedule and shuts the manager down.
func (app *application) stop(ctx context.Context) error {
	if app.cron != nil {
		<-app.cron.Stop().Done()
	}
	return app.manager.Shutdown(ctx)
}
