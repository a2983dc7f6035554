// Package observability provides structured logging, metrics and tracing
// for eventcore components.
//
// Features:
//   - Structured logging via slog, with optional rotating file output
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the host logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level" mapstructure:"level"`

	// Format is text or json. Default: text.
	Format string `yaml:"format" mapstructure:"format"`

	// File, when set, sends output to a rotating log file instead of stderr.
	File string `yaml:"file" mapstructure:"file"`

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `yaml:"max_size_mb" mapstructure:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `yaml:"max_backups" mapstructure:"max_backups"`

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// NewLogger builds a logger from cfg.
// The returned closer must be closed on shutdown when File is set.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = lj
		closer = lj
	}

	return NewLoggerTo(out, cfg), closer
}

// NewLoggerTo builds a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// EnrichLogger adds a component attribute (and any extra attributes) to a logger.
// Returns nil for a nil logger.
//
// Example:
//
//	log := EnrichLogger(logger, "queue", slog.Int("max_size", 1000))
//	log.Info("started") // includes component=queue max_size=1000
func EnrichLogger(logger *slog.Logger, component string, attrs ...any) *slog.Logger {
	if logger == nil {
		return nil
	}
	args := append([]any{slog.String("component", component)}, attrs...)
	return logger.With(args...)
}

// LoggerOrDefault returns logger, or slog.Default() when logger is nil.
func LoggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// LogHandlerFailure logs a failed handler invocation.
func LogHandlerFailure(logger *slog.Logger, integration, eventType string, err error, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("integration handler failed",
		slog.String("integration", integration),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
		slog.Int("attempts", attempts),
	)
}

// LogStateChange logs a circuit breaker transition.
func LogStateChange(logger *slog.Logger, breaker, from, to string) {
	if logger == nil {
		return
	}
	logger.Warn("circuit breaker state changed",
		slog.String("breaker", breaker),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogDeadLetter logs an item moved to the dead-letter list.
func LogDeadLetter(logger *slog.Logger, itemID string, attempts int, err error) {
	if logger == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	logger.Error("item dead-lettered",
		slog.String("item_id", itemID),
		slog.Int("attempts", attempts),
		slog.String("error", msg),
	)
}
