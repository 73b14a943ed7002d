package maildispatch

import (
	"context"

	"github.com/lattiq/maildispatch/internal/breaker"
	"github.com/lattiq/maildispatch/internal/core"
)

// Public interfaces for the dispatch library
type (
	// Dispatcher defines the email dispatch interface.
	// All methods are safe for concurrent use.
	Dispatcher interface {
		// Send dispatches a single pre-rendered email.
		// A failure is always a *DispatchError, ErrClientClosed aside.
		Send(ctx context.Context, recipient, subject, bodyHTML string) error

		// State returns the current circuit breaker state.
		State() BreakerState

		// Close closes the dispatcher and releases any resources.
		Close() error
	}

	// TransitionListener receives circuit breaker state transitions.
	// It runs synchronously inside the transition and must not call back
	// into the Client.
	TransitionListener = breaker.Listener
)

// Type aliases to re-export internal types for the public API.
type (
	Provider             = core.Provider
	ProviderSettings     = core.ProviderSettings
	SendRequest          = core.SendRequest
	SendResult           = core.SendResult
	AttemptOutcome       = core.AttemptOutcome
	AttemptErrorKind     = core.ErrorKind
	ValidationError      = core.ValidationError
	ProviderError        = core.ProviderError
	TransportError       = core.TransportError
	BreakerState         = breaker.State
	Transition           = breaker.Transition
	TransitionListenerFn = breaker.ListenerFunc
	BreakerCounts        = breaker.Counts
)

// Breaker states
const (
	StateClosed   = breaker.StateClosed
	StateHalfOpen = breaker.StateHalfOpen
	StateOpen     = breaker.StateOpen
)

// Constructor functions
var (
	NewSendRequest     = core.NewSendRequest
	NewValidationError = core.NewValidationError
	NewProviderError   = core.NewProviderError
	NewTransportError  = core.NewTransportError
)
