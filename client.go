package maildispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lattiq/maildispatch/internal/breaker"
	"github.com/lattiq/maildispatch/internal/core"
	"github.com/lattiq/maildispatch/internal/metrics"
	"github.com/lattiq/maildispatch/internal/providers"
	"github.com/lattiq/maildispatch/internal/retry"
)

// Client implements the Dispatcher interface. It composes the circuit
// breaker, the retry executor and the provider for every send.
// All methods are safe for concurrent use.
type Client struct {
	config     Config
	provider   Provider
	httpClient *http.Client
	executor   *retry.Executor
	breaker    *breaker.Breaker
	metrics    *metrics.Recorder
	logger     *zap.Logger
	ownLogger  bool
	tracer     trace.Tracer
	observers  []func(SendRequest, AttemptOutcome)
	mu         sync.RWMutex
	closed     bool
}

var _ Dispatcher = (*Client)(nil)

// Health is a point-in-time view of the dispatch path.
type Health struct {
	Provider        string        `json:"provider"`
	State           BreakerState  `json:"-"`
	StateName       string        `json:"state"`
	Counts          BreakerCounts `json:"counts"`
	ErrorPercentage float64       `json:"error_percentage"`
}

// New creates a dispatch client with the given configuration.
// The breaker and metrics recorder live as long as the client.
func New(config Config, opts ...Option) (*Client, error) {
	for _, opt := range opts {
		opt(&config)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	client := &Client{
		config:    config,
		observers: config.deps.observers,
	}

	logger := config.deps.logger
	switch {
	case logger != nil:
	case config.Monitoring.Logging.Enabled:
		built, err := NewLogger(config.Monitoring.Logging)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		logger = built
		client.ownLogger = true
	default:
		logger = zap.NewNop()
	}
	client.logger = logger

	client.httpClient = config.deps.httpClient
	if client.httpClient == nil {
		client.httpClient = newHTTPClient(config.Provider)
	}

	provider := config.deps.provider
	if provider == nil {
		settings := config.Provider.providerSettings(GetVersionInfo().UserAgent())
		p, err := providers.New(config.Provider.Type.String(), settings, client.httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider: %w", err)
		}
		provider = p
	}
	client.provider = provider

	client.metrics = metrics.New(metrics.Options{
		Namespace:           config.Monitoring.Metrics.Namespace,
		SubjectPrefixLength: config.Monitoring.Metrics.SubjectPrefixLength,
	})

	listeners := append([]breaker.Listener{client.metrics}, config.deps.listeners...)
	cb := config.CircuitBreaker
	client.breaker = breaker.New(breaker.Settings{
		Name:                     provider.Name(),
		ErrorThresholdPercentage: cb.ErrorThresholdPercentage,
		MinimumVolume:            uint32(cb.MinimumVolume),
		ResetTimeout:             cb.ResetTimeout,
		CallTimeout:              cb.CallTimeout,
		RollingWindow:            cb.RollingWindow,
		RollingBuckets:           cb.RollingBuckets,
		IsSuccessful:             isPermanent,
		IsExcluded:               isCancelled,
	}, logger.Named("breaker"), listeners...)
	client.metrics.SetBreakerState(provider.Name(), client.breaker.State())

	client.executor = retry.New(retry.Policy{
		MaxAttempts:    config.Retry.MaxAttempts,
		BaseDelay:      config.Retry.BaseDelay,
		Factor:         config.Retry.Factor,
		MaxDelay:       config.Retry.MaxDelay,
		Jitter:         config.Retry.Jitter,
		AttemptTimeout: config.Provider.AttemptTimeout,
	})

	client.tracer = newTracer(config)

	logger.Info("dispatch client created",
		zap.String("provider", provider.Name()),
		zap.Int("max_attempts", config.Retry.MaxAttempts),
		zap.Duration("attempt_timeout", config.Provider.AttemptTimeout))

	return client, nil
}

// Send dispatches a single pre-rendered email.
func (c *Client) Send(ctx context.Context, recipient, subject, bodyHTML string) error {
	_, err := c.Dispatch(ctx, NewSendRequest(recipient, subject, bodyHTML))
	return err
}

// Dispatch sends req and returns the provider result. A failure is always
// a *DispatchError unless the client is closed.
func (c *Client) Dispatch(ctx context.Context, req SendRequest) (*SendResult, error) {
	ctx, span := c.tracer.Start(ctx, "maildispatch.Client.Send")
	defer span.End()

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		span.RecordError(ErrClientClosed)
		span.SetStatus(codes.Error, ErrClientClosed.Error())
		return nil, ErrClientClosed
	}
	c.mu.RUnlock()

	span.SetAttributes(
		attribute.String("maildispatch.provider", c.provider.Name()),
		attribute.String("maildispatch.recipient_domain", req.RecipientDomain()),
	)

	var (
		result   *SendResult
		attempts int
	)

	err := c.breaker.Call(ctx, func(callCtx context.Context) error {
		observe := func(o AttemptOutcome) {
			attempts = o.Attempt
			c.observeAttempt(callCtx, req, o)
		}
		return c.executor.Execute(callCtx, func(attemptCtx context.Context) (int, error) {
			res, sendErr := c.provider.Send(attemptCtx, req)
			if sendErr != nil {
				return 0, sendErr
			}
			result = res
			return res.StatusCode, nil
		}, observe)
	})

	span.SetAttributes(attribute.Int("maildispatch.attempts", attempts))

	if err != nil {
		dispatchErr := toDispatchError(err, attempts)
		c.metrics.RecordFailure(dispatchErr.Kind.String(), dispatchErr.StatusCode)

		span.SetAttributes(attribute.String("maildispatch.outcome", dispatchErr.Kind.String()))
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, dispatchErr.Kind.String())

		logFn := c.logger.Warn
		if dispatchErr.Kind == KindRetriesExhausted {
			logFn = c.logger.Error
		}
		logFn("dispatch failed",
			zap.String("kind", dispatchErr.Kind.String()),
			zap.String("recipient_domain", req.RecipientDomain()),
			zap.Int("status", dispatchErr.StatusCode),
			zap.Int("attempts", attempts),
			zap.Error(dispatchErr.Err))

		return nil, dispatchErr
	}

	c.metrics.RecordSuccess(req)

	if result == nil {
		result = &SendResult{Provider: c.provider.Name()}
	}
	result.Attempts = attempts
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}

	span.SetAttributes(
		attribute.String("maildispatch.outcome", "sent"),
		attribute.String("maildispatch.message_id", result.MessageID),
	)
	span.SetStatus(codes.Ok, "email sent")

	return result, nil
}

// observeAttempt accounts for one attempt in metrics, the span and the log
// before the executor decides what to do next.
func (c *Client) observeAttempt(ctx context.Context, req SendRequest, o AttemptOutcome) {
	c.metrics.ObserveAttempt(req, o)

	attrs := []attribute.KeyValue{
		attribute.Int("attempt", o.Attempt),
		attribute.String("outcome", o.StatusClass()),
		attribute.Int64("latency_ms", o.Latency.Milliseconds()),
	}
	if o.StatusCode > 0 {
		attrs = append(attrs, attribute.Int("status", o.StatusCode))
	}
	trace.SpanFromContext(ctx).AddEvent("attempt", trace.WithAttributes(attrs...))

	c.logger.Debug("attempt finished",
		zap.Int("attempt", o.Attempt),
		zap.Bool("succeeded", o.Succeeded),
		zap.Int("status", o.StatusCode),
		zap.Stringer("kind", o.Kind),
		zap.Duration("latency", o.Latency),
		zap.String("recipient_domain", req.RecipientDomain()))

	if !o.Succeeded && ctx.Err() == nil &&
		core.Classify(o.Err) == core.Retryable && o.Attempt < c.config.Retry.MaxAttempts {
		c.logger.Info("retrying dispatch",
			zap.Int("attempt", o.Attempt),
			zap.Duration("delay", c.executor.Policy().Delay(o.Attempt+1)),
			zap.Error(o.Err))
	}

	for _, fn := range c.observers {
		fn(req, o)
	}
}

// State returns the current circuit breaker state.
func (c *Client) State() BreakerState {
	return c.breaker.State()
}

// Health returns the breaker state and rolling-window counts.
func (c *Client) Health() Health {
	state := c.breaker.State()
	counts := c.breaker.Counts()
	return Health{
		Provider:        c.provider.Name(),
		State:           state,
		StateName:       state.String(),
		Counts:          counts,
		ErrorPercentage: counts.ErrorPercentage(),
	}
}

// MetricsHandler serves the client's metrics in the Prometheus text format.
func (c *Client) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// WriteMetrics writes a text exposition of every metric to w.
func (c *Client) WriteMetrics(w io.Writer) error {
	return c.metrics.WriteText(w)
}

// MetricsSnapshot returns the current value of every metric series.
func (c *Client) MetricsSnapshot() (map[string]float64, error) {
	return c.metrics.Snapshot()
}

// Config returns a copy of the effective configuration.
func (c *Client) Config() Config {
	cfg := c.config
	cfg.deps = collaborators{}
	return cfg
}

// Close marks the client closed and releases idle connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.httpClient.CloseIdleConnections()
	c.logger.Info("dispatch client closed", zap.String("provider", c.provider.Name()))
	if c.ownLogger {
		_ = c.logger.Sync()
	}
	return nil
}

// toDispatchError maps the terminal error of a guarded call to its kind.
func toDispatchError(err error, attempts int) *DispatchError {
	var (
		timeoutErr   *breaker.TimeoutError
		permanentErr *retry.PermanentError
		exhaustedErr *retry.ExhaustedError
		providerErr  *core.ProviderError
	)

	switch {
	case errors.Is(err, breaker.ErrOpen):
		return &DispatchError{Kind: KindCircuitOpen, Err: err}

	case errors.As(err, &timeoutErr):
		return &DispatchError{Kind: KindRetriesExhausted, Attempts: attempts, Err: err}

	case errors.As(err, &permanentErr):
		de := &DispatchError{
			Kind:       KindPermanentRejection,
			StatusCode: core.StatusOf(permanentErr.Err),
			Attempts:   attempts,
			Err:        permanentErr.Err,
		}
		if errors.As(permanentErr.Err, &providerErr) {
			de.Body = providerErr.Body
		}
		return de

	case errors.As(err, &exhaustedErr):
		return &DispatchError{
			Kind:       KindRetriesExhausted,
			StatusCode: core.StatusOf(exhaustedErr.Last),
			Attempts:   attempts,
			Err:        exhaustedErr.Last,
		}

	case errors.Is(err, retry.ErrCancelled):
		return &DispatchError{Kind: KindCancelled, Attempts: attempts, Err: err}

	default:
		return &DispatchError{Kind: KindRetriesExhausted, StatusCode: core.StatusOf(err), Attempts: attempts, Err: err}
	}
}

// isPermanent counts a permanent rejection as a healthy answer.
func isPermanent(err error) bool {
	var pe *retry.PermanentError
	return errors.As(err, &pe)
}

// isCancelled keeps caller cancellation out of the error rate.
func isCancelled(err error) bool {
	return errors.Is(err, retry.ErrCancelled)
}

func newHTTPClient(cfg ProviderConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxConnsPerHost > 0 {
		transport.MaxConnsPerHost = cfg.MaxConnsPerHost
		transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.IdleConnTimeout
	}
	return &http.Client{Transport: transport}
}

func newTracer(cfg Config) trace.Tracer {
	name := cfg.Monitoring.Tracing.ServiceName
	if name == "" {
		name = "github.com/lattiq/maildispatch"
	}

	var tp trace.TracerProvider
	switch {
	case !cfg.Monitoring.Tracing.Enabled:
		tp = noop.NewTracerProvider()
	case cfg.deps.tracerProvider != nil:
		tp = cfg.deps.tracerProvider
	default:
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(name, trace.WithInstrumentationVersion(Version))
}
