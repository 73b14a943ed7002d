// Package breaker guards the email provider with a circuit breaker driven by
// the error rate over a bucketed rolling window.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lattiq/maildispatch/internal/core"
)

var (
	// ErrOpen is returned without calling the dependency while the circuit is
	// open, or while a half-open trial is already in flight.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrCallTimeout marks a call that exceeded the breaker's own timeout. It
	// is also the cause of the context handed to fn once that timeout fires.
	ErrCallTimeout = core.ErrCallTimeout
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Transition is emitted once per state change.
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Listener receives state transitions. OnTransition runs synchronously while
// the breaker holds its lock and must not call back into the Breaker.
type Listener interface {
	OnTransition(Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Transition)

// OnTransition implements Listener.
func (f ListenerFunc) OnTransition(t Transition) {
	f(t)
}

// Settings configures a Breaker.
type Settings struct {
	// Name identifies the guarded dependency.
	Name string

	// ErrorThresholdPercentage trips the breaker when the failure rate in
	// the window reaches it.
	ErrorThresholdPercentage float64

	// MinimumVolume is the number of recorded calls required before the
	// error rate is considered.
	MinimumVolume uint32

	// ResetTimeout is how long the breaker stays open before admitting a
	// half-open trial.
	ResetTimeout time.Duration

	// CallTimeout bounds a whole call, retries included. 0 disables it.
	CallTimeout time.Duration

	// RollingWindow is the trailing interval over which counts are kept.
	RollingWindow time.Duration

	// RollingBuckets is the number of buckets the window is split into.
	RollingBuckets int

	// IsSuccessful reports whether a failed call still proves the dependency
	// healthy. Nil treats every error as a failure.
	IsSuccessful func(err error) bool

	// IsExcluded reports whether a call result is ignored by the window.
	IsExcluded func(err error) bool
}

// Counts is a view of the rolling window.
type Counts struct {
	Requests  uint32
	Successes uint32
	Failures  uint32
	Excluded  uint32
}

// ErrorPercentage returns the failure rate over recorded calls.
func (c Counts) ErrorPercentage() float64 {
	total := c.Successes + c.Failures
	if total == 0 {
		return 0
	}
	return float64(c.Failures) * 100 / float64(total)
}

// TimeoutError is returned when a call exceeds Settings.CallTimeout.
type TimeoutError struct {
	Timeout time.Duration
	Last    error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v after %s: %v", ErrCallTimeout, e.Timeout, e.Last)
}

// Unwrap exposes ErrCallTimeout and the error of the interrupted work.
func (e *TimeoutError) Unwrap() []error {
	return []error{ErrCallTimeout, e.Last}
}

// Breaker is a process-wide guard for one dependency.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker[struct{}]
	settings  Settings
	logger    *zap.Logger
	listeners []Listener
}

// New creates a Breaker in the closed state.
func New(settings Settings, logger *zap.Logger, listeners ...Listener) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.RollingBuckets < 1 {
		settings.RollingBuckets = 1
	}

	b := &Breaker{
		settings:  settings,
		logger:    logger,
		listeners: listeners,
	}

	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:          settings.Name,
		MaxRequests:   1,
		Interval:      settings.RollingWindow,
		BucketPeriod:  settings.RollingWindow / time.Duration(settings.RollingBuckets),
		Timeout:       settings.ResetTimeout,
		ReadyToTrip:   b.readyToTrip,
		OnStateChange: b.onStateChange,
		IsSuccessful:  b.isSuccessful,
		IsExcluded:    b.isExcluded,
	})

	logger.Info("circuit breaker created",
		zap.String("name", settings.Name),
		zap.Float64("error_threshold_percentage", settings.ErrorThresholdPercentage),
		zap.Uint32("minimum_volume", settings.MinimumVolume),
		zap.Duration("reset_timeout", settings.ResetTimeout),
		zap.Duration("call_timeout", settings.CallTimeout),
		zap.Duration("rolling_window", settings.RollingWindow),
		zap.Int("rolling_buckets", settings.RollingBuckets))

	return b
}

// Call runs fn if the breaker admits it. fn receives a context bounded by
// the call timeout. A rejected call returns an error wrapping ErrOpen and fn
// is not invoked.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if b.settings.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeoutCause(ctx, b.settings.CallTimeout, ErrCallTimeout)
		}
		defer cancel()

		err := fn(callCtx)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{Timeout: b.settings.CallTimeout, Last: err}
		}
		return struct{}{}, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, b.settings.Name)
	}
	return err
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Counts returns the counts of the current window.
func (b *Breaker) Counts() Counts {
	b.cb.State()
	c := b.cb.Counts()
	return Counts{
		Requests:  c.Requests,
		Successes: c.TotalSuccesses,
		Failures:  c.TotalFailures,
		Excluded:  c.TotalExclusions,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.settings.Name
}

func (b *Breaker) readyToTrip(counts gobreaker.Counts) bool {
	total := counts.TotalSuccesses + counts.TotalFailures
	if total == 0 || total < b.settings.MinimumVolume {
		return false
	}
	rate := float64(counts.TotalFailures) * 100 / float64(total)
	return rate >= b.settings.ErrorThresholdPercentage
}

func (b *Breaker) isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return false
	}
	return b.settings.IsSuccessful != nil && b.settings.IsSuccessful(err)
}

func (b *Breaker) isExcluded(err error) bool {
	if err == nil || b.settings.IsExcluded == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return false
	}
	return b.settings.IsExcluded(err)
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	t := Transition{
		Name: name,
		From: fromGobreaker(from),
		To:   fromGobreaker(to),
		At:   time.Now(),
	}

	b.logger.Warn("circuit breaker state changed",
		zap.String("name", name),
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To))

	for _, l := range b.listeners {
		l.OnTransition(t)
	}
}
