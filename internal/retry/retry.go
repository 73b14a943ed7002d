// Package retry runs a unit of work a bounded number of times with capped
// exponential backoff between attempts.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCancelled is returned when the caller's context ends the call.
var ErrCancelled = errors.New("retry: cancelled")

// Policy configures the attempt budget and the backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// Factor multiplies the delay after every failed attempt.
	Factor float64

	// MaxDelay caps any single wait.
	MaxDelay time.Duration

	// Jitter is the randomization factor applied to each delay, 0 disables it.
	Jitter float64

	// AttemptTimeout bounds every single attempt, 0 disables it.
	AttemptTimeout time.Duration
}

// NewBackOff returns the backoff generator for one call.
// The first NextBackOff value is the delay before attempt 2.
func (p Policy) NewBackOff() backoff.BackOff {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	maxInterval := p.MaxDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMultiplier(factor),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
}

// Delay returns the wait that precedes the given attempt.
// Attempt 1 has no preceding delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	b := p.NewBackOff()
	var d time.Duration
	for i := 1; i < attempt; i++ {
		d = p.capped(b.NextBackOff())
	}
	return d
}

// Schedule returns the delays before attempts 2..MaxAttempts.
func (p Policy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	b := p.NewBackOff()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, p.capped(b.NextBackOff()))
	}
	return out
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// PermanentError is returned when an attempt failed with a permanent error.
type PermanentError struct {
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure on attempt %d: %v", e.Attempt, e.Err)
}

// Unwrap returns the attempt error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// CancelledError is returned when the caller's context ends the call.
// Last holds the error of the attempt in flight, if any.
type CancelledError struct {
	Attempts int
	Cause    error
	Last     error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("cancelled after %d attempts: %v (last: %v)", e.Attempts, e.Cause, e.Last)
	}
	return fmt.Sprintf("cancelled after %d attempts: %v", e.Attempts, e.Cause)
}

// Unwrap exposes both ErrCancelled and the context error.
func (e *CancelledError) Unwrap() []error {
	return []error{ErrCancelled, e.Cause}
}
