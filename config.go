package maildispatch

import (
	"time"
)

// Config holds the complete dispatcher configuration.
type Config struct {
	// Provider contains downstream email API settings.
	Provider ProviderConfig `mapstructure:"provider"`

	// Retry contains retry policy configuration.
	Retry RetryConfig `mapstructure:"retry"`

	// CircuitBreaker contains circuit breaker configuration.
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// Monitoring contains observability configuration.
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	deps collaborators
}

// ProviderConfig contains provider-specific settings.
type ProviderConfig struct {
	// Type specifies the email provider to use.
	Type ProviderType `mapstructure:"type"`

	// Endpoint overrides the provider API URL. Empty uses the provider default.
	Endpoint string `mapstructure:"endpoint"`

	// APIKey is the bearer credential for HTTP providers.
	APIKey string `mapstructure:"api_key"`

	// From is the sender address. Empty uses the provider default where one exists.
	From string `mapstructure:"from"`

	// Settings holds extra provider settings (region, access_key, configuration_set, ...).
	Settings ProviderSettings `mapstructure:"settings"`

	// AttemptTimeout bounds a single network attempt.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`

	// MaxConnsPerHost limits the number of connections per host.
	MaxConnsPerHost int `mapstructure:"max_conns_per_host"`

	// IdleConnTimeout is the maximum time an idle connection will remain open.
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
}

// ProviderType represents the type of email provider.
type ProviderType string

const (
	// ProviderResend represents the Resend email API.
	ProviderResend ProviderType = "resend"

	// ProviderSendGrid represents the SendGrid email service.
	ProviderSendGrid ProviderType = "sendgrid"

	// ProviderAWSSES represents Amazon Simple Email Service.
	ProviderAWSSES ProviderType = "aws_ses"
)

// String returns the string representation of the provider type.
func (pt ProviderType) String() string {
	return string(pt)
}

// Valid checks if the provider type is supported.
func (pt ProviderType) Valid() bool {
	switch pt {
	case ProviderResend, ProviderSendGrid, ProviderAWSSES:
		return true
	default:
		return false
	}
}

// RetryConfig contains retry policy configuration.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Factor is the backoff multiplier.
	Factor float64 `mapstructure:"factor"`

	// Jitter is the randomization factor applied to delays (0 to 1).
	Jitter float64 `mapstructure:"jitter"`
}

// CircuitBreakerConfig contains circuit breaker configuration.
type CircuitBreakerConfig struct {
	// ErrorThresholdPercentage is the error rate (0-100] that opens the circuit.
	ErrorThresholdPercentage float64 `mapstructure:"error_threshold_percentage"`

	// MinimumVolume is the number of calls in the window before the rate counts.
	MinimumVolume int `mapstructure:"minimum_volume"`

	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`

	// CallTimeout bounds a whole call including retries and backoff.
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// RollingWindow is the duration of the error-rate window.
	RollingWindow time.Duration `mapstructure:"rolling_window"`

	// RollingBuckets is the number of buckets in the window.
	RollingBuckets int `mapstructure:"rolling_buckets"`
}

// MonitoringConfig contains observability configuration.
type MonitoringConfig struct {
	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// Metrics contains metrics configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Logging contains logging configuration.
	Logging LoggingConfig `mapstructure:"logging"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled indicates whether spans are emitted.
	Enabled bool `mapstructure:"enabled"`

	// ServiceName is the instrumentation name used for the tracer.
	ServiceName string `mapstructure:"service_name"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Namespace is the metrics namespace/prefix.
	Namespace string `mapstructure:"namespace"`

	// SubjectPrefixLength is the number of subject characters kept as a label.
	SubjectPrefixLength int `mapstructure:"subject_prefix_length"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Enabled builds a logger from this section when no logger is injected.
	Enabled bool `mapstructure:"enabled"`

	// Level is the logging level (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Format is the log format (json, console).
	Format string `mapstructure:"format"`

	// Output is where to write logs (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Type:            ProviderResend,
			Settings:        ProviderSettings{},
			AttemptTimeout:  5 * time.Second,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 90 * time.Second,
		},
		Retry: DefaultRetryConfig(),
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThresholdPercentage: 50,
			MinimumVolume:            10,
			ResetTimeout:             30 * time.Second,
			CallTimeout:              45 * time.Second,
			RollingWindow:            10 * time.Second,
			RollingBuckets:           10,
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     true,
				ServiceName: "maildispatch",
			},
			Metrics: MetricsConfig{
				Namespace:           "maildispatch",
				SubjectPrefixLength: 16,
			},
			Logging: LoggingConfig{
				Enabled: false,
				Level:   "info",
				Format:  "json",
				Output:  "stdout",
			},
		},
	}
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Factor:      2.0,
	}
}

// Validate checks if the configuration is valid and complete.
func (c *Config) Validate() error {
	if !c.Provider.Type.Valid() {
		return &ValidationError{
			Field:   "provider.type",
			Message: "invalid or unsupported provider type: " + string(c.Provider.Type),
		}
	}

	if c.deps.provider == nil && c.Provider.Type != ProviderAWSSES && c.Provider.APIKey == "" {
		return &ValidationError{
			Field:   "provider.api_key",
			Message: "API key is required",
		}
	}

	if c.Provider.AttemptTimeout <= 0 {
		return &ValidationError{
			Field:   "provider.attempt_timeout",
			Message: "attempt timeout must be greater than 0",
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return &ValidationError{
			Field:   "retry.max_attempts",
			Message: "max attempts must be at least 1",
		}
	}
	if c.Retry.Factor < 1.0 {
		return &ValidationError{
			Field:   "retry.factor",
			Message: "factor must be at least 1.0",
		}
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return &ValidationError{
			Field:   "retry.max_delay",
			Message: "max delay must be at least the base delay",
		}
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return &ValidationError{
			Field:   "retry.jitter",
			Message: "jitter must be between 0.0 and 1.0",
		}
	}

	cb := c.CircuitBreaker
	if cb.ErrorThresholdPercentage <= 0 || cb.ErrorThresholdPercentage > 100 {
		return &ValidationError{
			Field:   "circuit_breaker.error_threshold_percentage",
			Message: "threshold must be in (0, 100]",
		}
	}
	if cb.MinimumVolume < 0 {
		return &ValidationError{
			Field:   "circuit_breaker.minimum_volume",
			Message: "minimum volume must not be negative",
		}
	}
	if cb.ResetTimeout <= 0 {
		return &ValidationError{
			Field:   "circuit_breaker.reset_timeout",
			Message: "reset timeout must be greater than 0",
		}
	}
	if cb.CallTimeout > 0 && c.Provider.AttemptTimeout >= cb.CallTimeout {
		return &ValidationError{
			Field:   "circuit_breaker.call_timeout",
			Message: "call timeout must be longer than the attempt timeout",
		}
	}
	if cb.RollingBuckets < 1 {
		return &ValidationError{
			Field:   "circuit_breaker.rolling_buckets",
			Message: "rolling buckets must be at least 1",
		}
	}
	if cb.RollingWindow < time.Duration(cb.RollingBuckets)*time.Millisecond {
		return &ValidationError{
			Field:   "circuit_breaker.rolling_window",
			Message: "rolling window must allow at least 1ms per bucket",
		}
	}

	return nil
}

// providerSettings flattens the provider section into the settings map
// consumed by provider implementations.
func (p ProviderConfig) providerSettings(userAgent string) ProviderSettings {
	settings := make(ProviderSettings, len(p.Settings)+4)
	for k, v := range p.Settings {
		settings[k] = v
	}
	if p.APIKey != "" {
		settings["api_key"] = p.APIKey
	}
	if p.Endpoint != "" {
		settings["endpoint"] = p.Endpoint
	}
	if p.From != "" {
		settings["from"] = p.From
	}
	if userAgent != "" {
		settings["user_agent"] = userAgent
	}
	return settings
}
