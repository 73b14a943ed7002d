package maildispatch

import (
	"errors"
	"fmt"

	"github.com/lattiq/maildispatch/internal/core"
)

// Predefined sentinel errors for common cases.
var (
	// ErrCircuitOpen indicates the call was rejected by the open circuit.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrPermanentRejection indicates the provider rejected the message.
	ErrPermanentRejection = errors.New("permanent rejection")

	// ErrRetriesExhausted indicates every attempt failed with a retryable error.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrCancelled indicates the caller cancelled the call or its deadline passed.
	ErrCancelled = errors.New("cancelled")

	// ErrInvalidConfiguration indicates invalid configuration.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("client closed")
)

// ErrorKind identifies the terminal outcome of a failed dispatch.
type ErrorKind int

const (
	// KindCircuitOpen means no network attempt was made.
	KindCircuitOpen ErrorKind = iota + 1

	// KindPermanentRejection means the provider answered with a 4xx other than 429.
	KindPermanentRejection

	// KindRetriesExhausted means the retryable failure outlasted the attempt budget.
	KindRetriesExhausted

	// KindCancelled means the caller's context ended the call.
	KindCancelled
)

// String returns the label used for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindCircuitOpen:
		return "circuit_open"
	case KindPermanentRejection:
		return "permanent_rejection"
	case KindRetriesExhausted:
		return "retries_exhausted"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindPermanentRejection:
		return ErrPermanentRejection
	case KindRetriesExhausted:
		return ErrRetriesExhausted
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// DispatchError is the terminal error returned by Client.Send.
type DispatchError struct {
	// Kind is the terminal outcome.
	Kind ErrorKind

	// StatusCode is the provider status, 0 when no response applies.
	StatusCode int

	// Body is the provider error body for permanent rejections.
	Body string

	// Attempts is the number of network attempts made.
	Attempts int

	// Err is the underlying error (the last attempt error, or the context error).
	Err error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	switch e.Kind {
	case KindCircuitOpen:
		return "dispatch failed: circuit open"
	case KindPermanentRejection:
		return fmt.Sprintf("dispatch failed: permanent rejection (status: %d): %s", e.StatusCode, e.Body)
	case KindRetriesExhausted:
		return fmt.Sprintf("dispatch failed: retries exhausted after %d attempts: %v", e.Attempts, e.Err)
	case KindCancelled:
		return fmt.Sprintf("dispatch failed: cancelled after %d attempts: %v", e.Attempts, e.Err)
	default:
		return fmt.Sprintf("dispatch failed: %v", e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *DispatchError) Is(target error) bool {
	if s := e.Kind.sentinel(); s != nil && target == s {
		return true
	}
	if t, ok := target.(*DispatchError); ok {
		return t.Kind == e.Kind
	}
	return false
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsPermanent reports whether err is a permanent provider rejection.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentRejection)
}

// IsRetriesExhausted reports whether err is a retries-exhausted failure.
func IsRetriesExhausted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}

// IsCancelled reports whether err is a cancelled call.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// StatusCode returns the provider HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var de *DispatchError
	if errors.As(err, &de) && de.StatusCode > 0 {
		return de.StatusCode
	}
	return core.StatusOf(err)
}
