package maildispatch

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option is a functional option for configuring the dispatch client.
type Option func(*Config)

// collaborators are injected by options and never loaded from files.
type collaborators struct {
	logger         *zap.Logger
	provider       Provider
	httpClient     *http.Client
	listeners      []TransitionListener
	tracerProvider trace.TracerProvider
	observers      []func(SendRequest, AttemptOutcome)
}

// WithProvider sets the email provider type and its extra settings.
func WithProvider(providerType ProviderType, settings ProviderSettings) Option {
	return func(c *Config) {
		c.Provider.Type = providerType
		c.Provider.Settings = settings
	}
}

// WithResend configures the Resend provider with the given API key.
func WithResend(apiKey string) Option {
	return func(c *Config) {
		c.Provider.Type = ProviderResend
		c.Provider.APIKey = apiKey
	}
}

// WithSendGrid configures the SendGrid provider.
func WithSendGrid(apiKey, from string) Option {
	return func(c *Config) {
		c.Provider.Type = ProviderSendGrid
		c.Provider.APIKey = apiKey
		c.Provider.From = from
	}
}

// WithAWSSES configures the AWS SES provider.
func WithAWSSES(region, from string) Option {
	return func(c *Config) {
		c.Provider.Type = ProviderAWSSES
		c.Provider.From = from
		if c.Provider.Settings == nil {
			c.Provider.Settings = ProviderSettings{}
		}
		c.Provider.Settings["region"] = region
	}
}

// WithAPIKey sets the provider credential.
func WithAPIKey(apiKey string) Option {
	return func(c *Config) {
		c.Provider.APIKey = apiKey
	}
}

// WithEndpoint overrides the provider API URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Config) {
		c.Provider.Endpoint = endpoint
	}
}

// WithFrom sets the sender address.
func WithFrom(from string) Option {
	return func(c *Config) {
		c.Provider.From = from
	}
}

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Provider.AttemptTimeout = timeout
	}
}

// WithMaxConnsPerHost sets the maximum number of connections per host.
func WithMaxConnsPerHost(maxConns int) Option {
	return func(c *Config) {
		c.Provider.MaxConnsPerHost = maxConns
	}
}

// WithRetry configures retry behavior.
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration, factor float64) Option {
	return func(c *Config) {
		c.Retry.MaxAttempts = maxAttempts
		c.Retry.BaseDelay = baseDelay
		c.Retry.MaxDelay = maxDelay
		c.Retry.Factor = factor
	}
}

// WithJitter sets the randomization factor applied to retry delays.
func WithJitter(jitter float64) Option {
	return func(c *Config) {
		c.Retry.Jitter = jitter
	}
}

// WithCircuitBreaker configures the error-rate threshold, minimum volume and
// reset timeout of the circuit breaker.
func WithCircuitBreaker(thresholdPercentage float64, minimumVolume int, resetTimeout time.Duration) Option {
	return func(c *Config) {
		c.CircuitBreaker.ErrorThresholdPercentage = thresholdPercentage
		c.CircuitBreaker.MinimumVolume = minimumVolume
		c.CircuitBreaker.ResetTimeout = resetTimeout
	}
}

// WithCallTimeout sets the overall timeout of a guarded call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CircuitBreaker.CallTimeout = timeout
	}
}

// WithRollingWindow sets the breaker's rolling window.
func WithRollingWindow(window time.Duration, buckets int) Option {
	return func(c *Config) {
		c.CircuitBreaker.RollingWindow = window
		c.CircuitBreaker.RollingBuckets = buckets
	}
}

// WithoutTracing disables distributed tracing.
func WithoutTracing() Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = false
	}
}

// WithMetrics configures the metrics namespace and subject label length.
func WithMetrics(namespace string, subjectPrefixLength int) Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Namespace = namespace
		c.Monitoring.Metrics.SubjectPrefixLength = subjectPrefixLength
	}
}

// WithLogging enables a logger built from level, format and output.
func WithLogging(level, format, output string) Option {
	return func(c *Config) {
		c.Monitoring.Logging.Enabled = true
		c.Monitoring.Logging.Level = level
		c.Monitoring.Logging.Format = format
		c.Monitoring.Logging.Output = output
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.deps.logger = logger
	}
}

// WithTransport replaces the configured provider with p.
func WithTransport(p Provider) Option {
	return func(c *Config) {
		c.deps.provider = p
	}
}

// WithHTTPClient sets the HTTP client used by HTTP providers.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.deps.httpClient = client
	}
}

// WithTransitionListener registers a listener for breaker transitions.
func WithTransitionListener(l TransitionListener) Option {
	return func(c *Config) {
		c.deps.listeners = append(c.deps.listeners, l)
	}
}

// WithAttemptObserver registers a function called once per attempt.
func WithAttemptObserver(fn func(SendRequest, AttemptOutcome)) Option {
	return func(c *Config) {
		c.deps.observers = append(c.deps.observers, fn)
	}
}

// WithTracerProvider sets the tracer provider used for spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.deps.tracerProvider = tp
	}
}
