package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiq/maildispatch/internal/breaker"
	"github.com/lattiq/maildispatch/internal/core"
)

func TestObserveAttempt(t *testing.T) {
	r := New(Options{})
	req := core.NewSendRequest("a@x.com", "Invoice 1 from Idurar", "<p/>")

	r.ObserveAttempt(req, core.AttemptOutcome{Attempt: 1, StatusCode: 500, Kind: core.ErrorKindServerError, Latency: 30 * time.Millisecond})
	r.ObserveAttempt(req, core.AttemptOutcome{Attempt: 2, Kind: core.ErrorKindTimeout, Latency: time.Second})
	r.ObserveAttempt(req, core.AttemptOutcome{Attempt: 3, Succeeded: true, StatusCode: 200, Latency: 10 * time.Millisecond})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("x.com", "5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("x.com", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("x.com", "2xx")))
	assert.Equal(t, 3, testutil.CollectAndCount(r.attemptDuration))
}

func TestRecordCalls(t *testing.T) {
	r := New(Options{SubjectPrefixLength: 7})
	req := core.NewSendRequest("b@y.org", "Invoice 12 from Idurar", "<p/>")

	r.RecordSuccess(req)
	r.RecordFailure("permanent_rejection", 401)
	r.RecordFailure("circuit_open", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.sends.WithLabelValues("y.org", "Invoice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("permanent_rejection", "401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("circuit_open", "none")))
}

func TestBreakerGauge(t *testing.T) {
	r := New(Options{})
	r.SetBreakerState("resend", breaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.breakerState.WithLabelValues("resend")))

	r.OnTransition(breaker.Transition{Name: "resend", From: breaker.StateClosed, To: breaker.StateOpen})
	assert.Equal(t, 2.0, testutil.ToFloat64(r.breakerState.WithLabelValues("resend")))

	r.OnTransition(breaker.Transition{Name: "resend", From: breaker.StateOpen, To: breaker.StateHalfOpen})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerState.WithLabelValues("resend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("resend", "open", "half_open")))
}

func TestConcurrentUpdates(t *testing.T) {
	r := New(Options{})
	req := core.NewSendRequest("c@z.net", "hello", "")

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.ObserveAttempt(req, core.AttemptOutcome{Attempt: 1, Succeeded: true, StatusCode: 202})
				r.RecordSuccess(req)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6400.0, testutil.ToFloat64(r.attempts.WithLabelValues("z.net", "2xx")))
	assert.Equal(t, 6400.0, testutil.ToFloat64(r.sends.WithLabelValues("z.net", "hello")))
}

func TestSnapshotAndText(t *testing.T) {
	r := New(Options{Namespace: "test"})
	req := core.NewSendRequest("a@x.com", "hi", "")
	r.ObserveAttempt(req, core.AttemptOutcome{Attempt: 1, Succeeded: true, StatusCode: 200, Latency: time.Millisecond})
	r.RecordSuccess(req)
	r.SetBreakerState("resend", breaker.StateOpen)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap[`test_attempts_total{domain="x.com",outcome="2xx"}`])
	assert.Equal(t, 1.0, snap[`test_attempt_duration_seconds_count{domain="x.com",outcome="2xx"}`])
	assert.Equal(t, 1.0, snap[`test_sends_total{domain="x.com",subject="hi"}`])
	assert.Equal(t, 2.0, snap[`test_breaker_state{breaker="resend"}`])

	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))
	assert.Contains(t, buf.String(), "# TYPE test_attempts_total counter")
	assert.Contains(t, buf.String(), `test_breaker_state{breaker="resend"} 2`)
}

func TestHandler(t *testing.T) {
	r := New(Options{})
	r.SetBreakerState("resend", breaker.StateHalfOpen)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `maildispatch_breaker_state{breaker="resend"} 1`))
}
