package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lattiq/maildispatch/internal/core"
)

// Task is a single attempt. The context carries the attempt deadline. On
// success it returns the status the provider accepted the message with.
type Task func(ctx context.Context) (status int, err error)

// Observer receives every attempt outcome exactly once, before the executor
// decides whether to retry.
type Observer func(core.AttemptOutcome)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs tasks under a Policy.
type Executor struct {
	policy   Policy
	classify func(error) core.Classification
	sleep    Sleeper
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithClassifier overrides the failure classifier.
func WithClassifier(fn func(error) core.Classification) Option {
	return func(e *Executor) {
		e.classify = fn
	}
}

// WithSleeper overrides the inter-attempt wait.
func WithSleeper(fn Sleeper) Option {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// WithClock overrides the clock used to measure attempt latency.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates an Executor.
func New(policy Policy, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		policy:   policy,
		classify: core.Classify,
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs task until it succeeds, fails permanently, runs out of
// attempts or ctx is done. The returned error is nil, *PermanentError,
// *ExhaustedError or *CancelledError.
func (e *Executor) Execute(ctx context.Context, task Task, observe Observer) error {
	if observe == nil {
		observe = func(core.AttemptOutcome) {}
	}

	b := e.policy.NewBackOff()
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.policy.capped(b.NextBackOff())
			if err := e.sleep(ctx, delay); err != nil {
				return &CancelledError{Attempts: attempt - 1, Cause: contextCause(ctx, err), Last: lastErr}
			}
		}

		if err := ctx.Err(); err != nil {
			return &CancelledError{Attempts: attempt - 1, Cause: err, Last: lastErr}
		}

		outcome := e.runAttempt(ctx, attempt, task, observe)
		if outcome.Succeeded {
			return nil
		}
		lastErr = outcome.Err

		if outcome.Kind == core.ErrorKindCancelled || ctx.Err() != nil {
			return &CancelledError{Attempts: attempt, Cause: ctx.Err(), Last: lastErr}
		}

		if e.classify(outcome.Err) == core.Permanent {
			return &PermanentError{Attempt: attempt, Err: outcome.Err}
		}
	}

	return &ExhaustedError{Attempts: e.policy.MaxAttempts, Last: lastErr}
}

// runAttempt performs one attempt and reports it. The observer is called even
// when the task panics.
func (e *Executor) runAttempt(ctx context.Context, attempt int, task Task, observe Observer) (outcome core.AttemptOutcome) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.policy.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.policy.AttemptTimeout)
	}
	defer cancel()

	outcome.Attempt = attempt
	start := e.now()

	defer func() {
		if r := recover(); r != nil {
			outcome.Latency = e.now().Sub(start)
			outcome.Kind = core.ErrorKindTransport
			outcome.Err = fmt.Errorf("attempt %d panicked: %v", attempt, r)
			observe(outcome)
			panic(r)
		}
	}()

	status, err := task(attemptCtx)
	outcome.Latency = e.now().Sub(start)
	outcome.Err = err
	outcome.StatusCode = core.StatusOf(err)

	switch {
	case err == nil:
		outcome.Succeeded = true
		outcome.Kind = core.ErrorKindNone
		outcome.StatusCode = status
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), core.ErrCallTimeout):
		outcome.Kind = core.ErrorKindTimeout
	case ctx.Err() != nil:
		outcome.Kind = core.ErrorKindCancelled
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && outcome.StatusCode == 0:
		outcome.Kind = core.ErrorKindTimeout
	default:
		outcome.Kind = core.KindOf(err)
	}

	observe(outcome)
	return outcome
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
