package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// Settings is the full configuration of an eventcore host.
type Settings struct {
	Log      observability.LogConfig `yaml:"log" mapstructure:"log"`
	Queue    QueueSettings           `yaml:"queue" mapstructure:"queue"`
	Manager  ManagerSettings         `yaml:"manager" mapstructure:"manager"`
	Breaker  BreakerSettings         `yaml:"breaker" mapstructure:"breaker"`
	Boundary BoundarySettings        `yaml:"boundary" mapstructure:"boundary"`
	Health   HealthSettings          `yaml:"health" mapstructure:"health"`
	Recovery RecoverySettings        `yaml:"recovery" mapstructure:"recovery"`
	Bus      BusSettings             `yaml:"bus" mapstructure:"bus"`
	HTTP     HTTPSettings            `yaml:"http" mapstructure:"http"`
	Schedule ScheduleSettings        `yaml:"schedule" mapstructure:"schedule"`

	// Integrations holds per-integration handler configuration keyed by name.
	Integrations map[string]map[string]any `yaml:"integrations" mapstructure:"integrations"`
}

// QueueSettings configures the event queue.
type QueueSettings struct {
	MaxSize            int           `yaml:"max_size" mapstructure:"max_size" validate:"gt=0"`
	MaxConcurrency     int           `yaml:"max_concurrency" mapstructure:"max_concurrency" validate:"gt=0"`
	BatchSize          int           `yaml:"batch_size" mapstructure:"batch_size" validate:"gt=0"`
	ProcessingInterval time.Duration `yaml:"processing_interval" mapstructure:"processing_interval" validate:"gt=0"`
	RateLimit          int           `yaml:"rate_limit" mapstructure:"rate_limit" validate:"gte=0"`
	EnableBatching     bool          `yaml:"enable_batching" mapstructure:"enable_batching"`
	DeadLetterSize     int           `yaml:"dead_letter_size" mapstructure:"dead_letter_size" validate:"gt=0"`
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay         time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" validate:"gte=0"`
	ItemTimeout        time.Duration `yaml:"item_timeout" mapstructure:"item_timeout" validate:"gte=0"`
}

// RetrySettings configures handler retry with backoff.
type RetrySettings struct {
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gt=0"`
	Strategy        string        `yaml:"strategy" mapstructure:"strategy" validate:"oneof=fixed linear exponential"`
	BaseDelay       time.Duration `yaml:"base_delay" mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay        time.Duration `yaml:"max_delay" mapstructure:"max_delay" validate:"gte=0"`
	Jitter          float64       `yaml:"jitter" mapstructure:"jitter" validate:"gte=0,lte=1"`
	RetryableErrors []string      `yaml:"retryable_errors" mapstructure:"retryable_errors"`
}

// RetryConfig converts the settings to an errors.RetryConfig.
func (r RetrySettings) RetryConfig() ecerrors.RetryConfig {
	return ecerrors.RetryConfig{
		MaxAttempts:     r.MaxAttempts,
		Strategy:        ecerrors.Strategy(r.Strategy),
		BaseDelay:       r.BaseDelay,
		MaxDelay:        r.MaxDelay,
		Jitter:          r.Jitter,
		RetryableErrors: r.RetryableErrors,
	}
}

// ManagerSettings configures the integration manager.
type ManagerSettings struct {
	MaxConcurrentHandlers  int           `yaml:"max_concurrent_handlers" mapstructure:"max_concurrent_handlers" validate:"gt=0"`
	HandlerTimeout         time.Duration `yaml:"handler_timeout" mapstructure:"handler_timeout" validate:"gt=0"`
	ShutdownGracePeriod    time.Duration `yaml:"shutdown_grace_period" mapstructure:"shutdown_grace_period" validate:"gte=0"`
	EnableCircuitBreakers  bool          `yaml:"enable_circuit_breakers" mapstructure:"enable_circuit_breakers"`
	EnableErrorBoundaries  bool          `yaml:"enable_error_boundaries" mapstructure:"enable_error_boundaries"`
	EnableHealthMonitoring bool          `yaml:"enable_health_monitoring" mapstructure:"enable_health_monitoring"`
	EnableAutoRecovery     bool          `yaml:"enable_auto_recovery" mapstructure:"enable_auto_recovery"`
	EnableBatching         bool          `yaml:"enable_batching" mapstructure:"enable_batching"`
	RequeueIsolated        bool          `yaml:"requeue_isolated" mapstructure:"requeue_isolated"`
	GuaranteedDelivery     bool          `yaml:"guaranteed_delivery" mapstructure:"guaranteed_delivery"`
	BulkEventTypes         []string      `yaml:"bulk_event_types" mapstructure:"bulk_event_types"`
	Retry                  RetrySettings `yaml:"retry" mapstructure:"retry"`
}

// BreakerSettings are the defaults for lazily created circuit breakers.
type BreakerSettings struct {
	FailureThreshold  int           `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gt=0"`
	SuccessThreshold  int           `yaml:"success_threshold" mapstructure:"success_threshold" validate:"gt=0"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	CallTimeout       time.Duration `yaml:"call_timeout" mapstructure:"call_timeout" validate:"gte=0"`
	MonitoringPeriod  time.Duration `yaml:"monitoring_period" mapstructure:"monitoring_period" validate:"gt=0"`
	MinimumThroughput int           `yaml:"minimum_throughput" mapstructure:"minimum_throughput" validate:"gte=0"`
	SlowCallThreshold time.Duration `yaml:"slow_call_threshold" mapstructure:"slow_call_threshold"`
}

// BoundarySettings are the defaults for error boundaries.
type BoundarySettings struct {
	MaxErrors    int           `yaml:"max_errors" mapstructure:"max_errors" validate:"gt=0"`
	ErrorWindow  time.Duration `yaml:"error_window" mapstructure:"error_window" validate:"gt=0"`
	ResetTimeout time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout" validate:"gte=0"`
}

// HealthSettings configures the health monitor.
type HealthSettings struct {
	CheckInterval     time.Duration `yaml:"check_interval" mapstructure:"check_interval" validate:"gt=0"`
	CheckTimeout      time.Duration `yaml:"check_timeout" mapstructure:"check_timeout" validate:"gt=0"`
	CacheTTL          time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"gte=0"`
	PerformanceWindow time.Duration `yaml:"performance_window" mapstructure:"performance_window" validate:"gt=0"`
	MetricLimit       int           `yaml:"metric_limit" mapstructure:"metric_limit" validate:"gt=0"`
}

// RecoverySettings configures the recovery manager.
type RecoverySettings struct {
	ScanInterval        time.Duration `yaml:"scan_interval" mapstructure:"scan_interval" validate:"gt=0"`
	MaxAttempts         int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gt=0"`
	RetryDelay          time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" validate:"gte=0"`
	EscalationThreshold int           `yaml:"escalation_threshold" mapstructure:"escalation_threshold" validate:"gt=0"`
	JobTimeout          time.Duration `yaml:"job_timeout" mapstructure:"job_timeout" validate:"gt=0"`
	HistoryLimit        int           `yaml:"history_limit" mapstructure:"history_limit" validate:"gt=0"`
}

// BusSettings configures the topic bus.
type BusSettings struct {
	HistorySize int           `yaml:"history_size" mapstructure:"history_size" validate:"gte=0"`
	DedupeSize  int           `yaml:"dedupe_size" mapstructure:"dedupe_size" validate:"gte=0"`
	DedupeTTL   time.Duration `yaml:"dedupe_ttl" mapstructure:"dedupe_ttl" validate:"gte=0"`
}

// HTTPSettings configures the daemon's HTTP surface.
type HTTPSettings struct {
	Listen       string        `yaml:"listen" mapstructure:"listen" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"gt=0"`
}

// ScheduleSettings holds cron specs for periodic maintenance.
// An empty expression disables the job.
type ScheduleSettings struct {
	RetryDeliveries  string `yaml:"retry_deliveries" mapstructure:"retry_deliveries"`
	RetryDeadLetters string `yaml:"retry_dead_letters" mapstructure:"retry_dead_letters"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		Log: observability.LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Queue: QueueSettings{
			MaxSize:            1000,
			MaxConcurrency:     5,
			BatchSize:          10,
			ProcessingInterval: 100 * time.Millisecond,
			RateLimit:          100,
			EnableBatching:     true,
			DeadLetterSize:     100,
			MaxRetries:         3,
			RetryDelay:         time.Second,
			ItemTimeout:        30 * time.Second,
		},
		Manager: ManagerSettings{
			MaxConcurrentHandlers:  5,
			HandlerTimeout:         30 * time.Second,
			ShutdownGracePeriod:    30 * time.Second,
			EnableCircuitBreakers:  true,
			EnableErrorBoundaries:  true,
			EnableHealthMonitoring: true,
			EnableAutoRecovery:     true,
			EnableBatching:         true,
			GuaranteedDelivery:     true,
			BulkEventTypes:         []string{"tasks:bulk:created", "tasks:bulk:updated", "tasks:bulk:status:changed"},
			Retry: RetrySettings{
				MaxAttempts: 3,
				Strategy:    "exponential",
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
				Jitter:      0.1,
			},
		},
		Breaker: BreakerSettings{
			FailureThreshold:  5,
			SuccessThreshold:  2,
			Timeout:           60 * time.Second,
			CallTimeout:       30 * time.Second,
			MonitoringPeriod:  60 * time.Second,
			MinimumThroughput: 10,
			SlowCallThreshold: 5 * time.Second,
		},
		Boundary: BoundarySettings{
			MaxErrors:    5,
			ErrorWindow:  60 * time.Second,
			ResetTimeout: 5 * time.Minute,
		},
		Health: HealthSettings{
			CheckInterval:     30 * time.Second,
			CheckTimeout:      5 * time.Second,
			CacheTTL:          5 * time.Second,
			PerformanceWindow: 5 * time.Minute,
			MetricLimit:       1000,
		},
		Recovery: RecoverySettings{
			ScanInterval:        30 * time.Second,
			MaxAttempts:         3,
			RetryDelay:          5 * time.Second,
			EscalationThreshold: 5,
			JobTimeout:          30 * time.Second,
			HistoryLimit:        100,
		},
		Bus: BusSettings{
			HistorySize: 100,
			DedupeSize:  10000,
			DedupeTTL:   5 * time.Minute,
		},
		HTTP: HTTPSettings{
			Listen:       ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Schedule: ScheduleSettings{
			RetryDeliveries:  "@every 1m",
			RetryDeadLetters: "@every 5m",
		},
		Integrations: map[string]map[string]any{},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and returns a ValidationError listing all
// problems, or nil.
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate settings: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "Settings.")
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s is %s", field, fe.Tag()))
		}
	}
	return &ecerrors.ValidationError{Subject: "settings", Errors: problems}
}

// IntegrationValues returns the configuration of the named integration.
func (s Settings) IntegrationValues(name string) Values {
	return NewValues(s.Integrations[name])
}
