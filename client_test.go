package maildispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lattiq/maildispatch/internal/breaker"
)

// fakeProvider answers with a scripted sequence of statuses.
type fakeProvider struct {
	mu       sync.Mutex
	statuses []int
	calls    int
}

func newFakeProvider(t *testing.T, statuses ...int) (*httptest.Server, *fakeProvider) {
	t.Helper()
	fp := &fakeProvider{statuses: statuses}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		status := fp.statuses[len(fp.statuses)-1]
		if fp.calls < len(fp.statuses) {
			status = fp.statuses[fp.calls]
		}
		fp.calls++
		fp.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status < 300 {
			_, _ = w.Write([]byte(`{"id":"msg_123"}`))
			return
		}
		_, _ = w.Write([]byte(`{"statusCode":` + strconv.Itoa(status) + `,"message":"rejected"}`))
	}))
	t.Cleanup(server.Close)
	return server, fp
}

func (fp *fakeProvider) Calls() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.calls
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithResend("re_test"),
		WithEndpoint(url),
		WithRetry(5, time.Millisecond, 4*time.Millisecond, 2),
	}
	c, err := New(DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func snapshot(t *testing.T, c *Client) map[string]float64 {
	t.Helper()
	snap, err := c.MetricsSnapshot()
	require.NoError(t, err)
	return snap
}

func TestSendFirstAttemptSucceeds(t *testing.T) {
	server, fp := newFakeProvider(t, http.StatusOK)
	c := newTestClient(t, server.URL)

	res, err := c.Dispatch(context.Background(), NewSendRequest("a@x.com", "Welcome", "<p>hi</p>"))
	require.NoError(t, err)

	assert.Equal(t, "msg_123", res.MessageID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, fp.Calls())

	snap := snapshot(t, c)
	assert.Equal(t, 1.0, snap[`maildispatch_attempts_total{domain="x.com",outcome="2xx"}`])
	assert.Equal(t, 1.0, snap[`maildispatch_sends_total{domain="x.com",subject="Welcome"}`])
	assert.Equal(t, 1.0, snap[`maildispatch_attempt_duration_seconds_count{domain="x.com",outcome="2xx"}`])
}

func TestSendRetriesServerErrors(t *testing.T) {
	server, fp := newFakeProvider(t, 500, 500, 500, 200)
	c := newTestClient(t, server.URL)

	res, err := c.Dispatch(context.Background(), NewSendRequest("a@x.com", "Welcome", "<p>hi</p>"))
	require.NoError(t, err)

	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, fp.Calls())

	snap := snapshot(t, c)
	assert.Equal(t, 3.0, snap[`maildispatch_attempts_total{domain="x.com",outcome="5xx"}`])
	assert.Equal(t, 1.0, snap[`maildispatch_attempts_total{domain="x.com",outcome="2xx"}`])
	assert.Equal(t, 1.0, snap[`maildispatch_sends_total{domain="x.com",subject="Welcome"}`])
}

func TestSendPermanentRejection(t *testing.T) {
	server, fp := newFakeProvider(t, http.StatusUnauthorized)
	c := newTestClient(t, server.URL, WithRetry(5, time.Hour, time.Hour, 2))

	start := time.Now()
	err := c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>")

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Minute)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.Equal(t, 1, fp.Calls())

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindPermanentRejection, de.Kind)
	assert.Equal(t, 1, de.Attempts)
	assert.Contains(t, de.Body, "rejected")

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "resend", pe.Provider)

	health := c.Health()
	assert.Equal(t, uint32(1), health.Counts.Successes)
	assert.Equal(t, uint32(0), health.Counts.Failures)

	snap := snapshot(t, c)
	assert.Equal(t, 1.0, snap[`maildispatch_send_failures_total{classification="permanent_rejection",status="401"}`])
}

func TestSendCancelledByDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Send(ctx, "a@x.com", "Welcome", "<p>hi</p>")

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, IsCancelled(err))
	assert.False(t, IsRetriesExhausted(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	health := c.Health()
	assert.Equal(t, uint32(0), health.Counts.Failures)
	assert.Equal(t, uint32(1), health.Counts.Excluded)

	snap := snapshot(t, c)
	assert.Equal(t, 1.0, snap[`maildispatch_attempts_total{domain="x.com",outcome="cancelled"}`])
	assert.Equal(t, 1.0, snap[`maildispatch_send_failures_total{classification="cancelled",status="none"}`])
}

func TestSendRetriesExhausted(t *testing.T) {
	server, fp := newFakeProvider(t, http.StatusServiceUnavailable)
	c := newTestClient(t, server.URL, WithRetry(3, time.Millisecond, time.Millisecond, 2))

	err := c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>")

	require.Error(t, err)
	assert.True(t, IsRetriesExhausted(err))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, 3, fp.Calls())

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Attempts)

	snap := snapshot(t, c)
	assert.Equal(t, 3.0, snap[`maildispatch_attempts_total{domain="x.com",outcome="5xx"}`])
	assert.Equal(t, 1.0, snap[`maildispatch_send_failures_total{classification="retries_exhausted",status="503"}`])
}

func TestSendCallTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, server.URL,
		WithAttemptTimeout(20*time.Millisecond),
		WithCallTimeout(60*time.Millisecond),
		WithRetry(10, time.Millisecond, time.Millisecond, 1),
	)

	err := c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>")

	require.Error(t, err)
	assert.True(t, IsRetriesExhausted(err))
	assert.False(t, IsCancelled(err))
	assert.ErrorIs(t, err, breaker.ErrCallTimeout)
	assert.Equal(t, uint32(1), c.Health().Counts.Failures)

	snap := snapshot(t, c)
	assert.GreaterOrEqual(t, snap[`maildispatch_attempts_total{domain="x.com",outcome="timeout"}`], 1.0)
	assert.Zero(t, snap[`maildispatch_attempts_total{domain="x.com",outcome="cancelled"}`])
}

func TestCircuitOpensAndShedsLoad(t *testing.T) {
	server, fp := newFakeProvider(t, http.StatusInternalServerError)

	var (
		mu          sync.Mutex
		transitions []Transition
	)
	listener := TransitionListenerFn(func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	c := newTestClient(t, server.URL,
		WithRetry(1, time.Millisecond, time.Millisecond, 2),
		WithCircuitBreaker(50, 2, time.Minute),
		WithTransitionListener(listener),
	)

	for i := 0; i < 2; i++ {
		err := c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>")
		require.True(t, IsRetriesExhausted(err), "call %d: %v", i, err)
	}
	assert.Equal(t, StateOpen, c.State())

	err := c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>")
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 2, fp.Calls())

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 0, de.Attempts)

	mu.Lock()
	require.Len(t, transitions, 1)
	assert.Equal(t, StateClosed, transitions[0].From)
	assert.Equal(t, StateOpen, transitions[0].To)
	mu.Unlock()

	snap := snapshot(t, c)
	assert.Equal(t, 2.0, snap[`maildispatch_breaker_state{breaker="resend"}`])
	assert.Equal(t, 1.0, snap[`maildispatch_breaker_transitions_total{breaker="resend",from="closed",to="open"}`])
	assert.Equal(t, 1.0, snap[`maildispatch_send_failures_total{classification="circuit_open",status="none"}`])
}

func TestCircuitRecoversAfterResetTimeout(t *testing.T) {
	server, fp := newFakeProvider(t, http.StatusInternalServerError, http.StatusOK)
	c := newTestClient(t, server.URL,
		WithRetry(1, time.Millisecond, time.Millisecond, 2),
		WithCircuitBreaker(50, 1, 50*time.Millisecond),
	)

	require.True(t, IsRetriesExhausted(c.Send(context.Background(), "a@x.com", "s", "b")))
	require.Equal(t, StateOpen, c.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, c.State())

	require.NoError(t, c.Send(context.Background(), "a@x.com", "s", "b"))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 2, fp.Calls())
}

func TestSendRecordsTrace(t *testing.T) {
	server, _ := newFakeProvider(t, 502, 200)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	c := newTestClient(t, server.URL, WithTracerProvider(tp))
	require.NoError(t, c.Send(context.Background(), "a@X.com", "Welcome", "<p>hi</p>"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "maildispatch.Client.Send", span.Name())
	assert.Len(t, span.Events(), 2)

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "resend", attrs["maildispatch.provider"])
	assert.Equal(t, "x.com", attrs["maildispatch.recipient_domain"])
	assert.Equal(t, "2", attrs["maildispatch.attempts"])
	assert.Equal(t, "sent", attrs["maildispatch.outcome"])
}

func TestSendWithoutTracing(t *testing.T) {
	server, _ := newFakeProvider(t, 200)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	c := newTestClient(t, server.URL, WithTracerProvider(tp), WithoutTracing())
	require.NoError(t, c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>"))
	assert.Empty(t, sr.Ended())
}

func TestSendLogsAttempts(t *testing.T) {
	server, _ := newFakeProvider(t, 429, 200)

	core, logs := observer.New(zapcore.DebugLevel)
	c := newTestClient(t, server.URL, WithLogger(zap.New(core)))

	require.NoError(t, c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>"))

	assert.Equal(t, 2, logs.FilterMessage("attempt finished").Len())
	retries := logs.FilterMessage("retrying dispatch").All()
	require.Len(t, retries, 1)
	assert.Equal(t, int64(1), retries[0].ContextMap()["attempt"])
}

// scriptedTransport fails with the queued errors before succeeding.
type scriptedTransport struct {
	errs  []error
	calls atomic.Int32
}

func (s *scriptedTransport) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	n := int(s.calls.Add(1))
	if n <= len(s.errs) {
		return nil, s.errs[n-1]
	}
	return &SendResult{MessageID: "fake", Provider: s.Name(), StatusCode: 200, Timestamp: time.Now()}, nil
}

func (s *scriptedTransport) ValidateConfig() error { return nil }

func (s *scriptedTransport) Name() string { return "scripted" }

func TestSendWithInjectedTransport(t *testing.T) {
	transport := &scriptedTransport{errs: []error{
		NewTransportError("scripted", "send", errors.New("connection reset by peer")),
		NewProviderError("scripted", 429, `{"message":"slow down"}`),
	}}

	var (
		mu       sync.Mutex
		outcomes []AttemptOutcome
	)
	c, err := New(DefaultConfig(),
		WithTransport(transport),
		WithRetry(3, time.Millisecond, time.Millisecond, 2),
		WithAttemptObserver(func(_ SendRequest, o AttemptOutcome) {
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Dispatch(context.Background(), NewSendRequest("a@x.com", "s", "b"))
	require.NoError(t, err)
	assert.Equal(t, "fake", res.MessageID)
	assert.Equal(t, 3, res.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 3)
	assert.Equal(t, "transport", outcomes[0].StatusClass())
	assert.Equal(t, "4xx", outcomes[1].StatusClass())
	assert.True(t, outcomes[2].Succeeded)
	for i, o := range outcomes {
		assert.Equal(t, i+1, o.Attempt)
	}
}

func TestSendConcurrent(t *testing.T) {
	server, fp := newFakeProvider(t, 200)
	c := newTestClient(t, server.URL)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>"))
		}()
	}
	wg.Wait()

	assert.Equal(t, n, fp.Calls())
	snap := snapshot(t, c)
	assert.Equal(t, float64(n), snap[`maildispatch_sends_total{domain="x.com",subject="Welcome"}`])
	assert.Equal(t, uint32(n), c.Health().Counts.Successes)
}

func TestClosedClient(t *testing.T) {
	server, fp := newFakeProvider(t, 200)
	c := newTestClient(t, server.URL)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Send(context.Background(), "a@x.com", "s", "b")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, 0, fp.Calls())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(DefaultConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "provider.api_key", ve.Field)
}

func TestMetricsExposition(t *testing.T) {
	server, _ := newFakeProvider(t, 200)
	c := newTestClient(t, server.URL)
	require.NoError(t, c.Send(context.Background(), "a@x.com", "Welcome", "<p>hi</p>"))

	var sb strings.Builder
	require.NoError(t, c.WriteMetrics(&sb))
	assert.Contains(t, sb.String(), `maildispatch_attempts_total{domain="x.com",outcome="2xx"} 1`)

	rec := httptest.NewRecorder()
	c.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "maildispatch_breaker_state")
}

func TestHealth(t *testing.T) {
	server, _ := newFakeProvider(t, 200)
	c := newTestClient(t, server.URL)
	require.NoError(t, c.Send(context.Background(), "a@x.com", "s", "b"))

	h := c.Health()
	assert.Equal(t, "resend", h.Provider)
	assert.Equal(t, StateClosed, h.State)
	assert.Equal(t, "closed", h.StateName)
	assert.Equal(t, uint32(1), h.Counts.Requests)
	assert.Equal(t, 0.0, h.ErrorPercentage)
}
