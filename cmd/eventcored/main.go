// Command eventcored hosts the eventcore stack: the integration manager
// with its queue, circuit breakers, error boundaries, health monitor and
// recovery loop, behind a small HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	_ "go.uber.org/automaxprocs"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "eventcored:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("eventcored", pflag.ContinueOnError)
	configPath := flags.String("config", "", "settings file (yaml, json or toml)")
	listen := flags.String("listen", "", "HTTP listen address, overrides http.listen")
	logLevel := flags.String("log-level", "", "debug, info, warn or error, overrides log.level")
	if err := flags.Parse(args); err != nil {
		return err
	}

	settings, err := config.Load(*configPath, config.DefaultEnvPrefix)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if flags.Changed("listen") {
		settings.HTTP.Listen = *listen
	}
	if flags.Changed("log-level") {
		settings.Log.Level = *logLevel
	}

	logger, closer := observability.NewLogger(settings.Log)
	defer closer.Close()
	slog.SetDefault(logger)

	meterProvider := sdkmetric.NewMeterProvider()
	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
	}()

	app := newApplication(settings, logger,
		observability.NewMetricsRecorderWithProvider(meterProvider),
		observability.NewSpanManagerWithProvider(tracerProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	srv := &http.Server{
		Addr:         settings.HTTP.Listen,
		Handler:      app.router(),
		ReadTimeout:  settings.HTTP.ReadTimeout,
		WriteTimeout: settings.HTTP.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}

	grace := settings.Manager.ShutdownGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return app.stop(shutdownCtx)
}
