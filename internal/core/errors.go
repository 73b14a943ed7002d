package core

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrCallTimeout is the cancellation cause of a context whose overall call
// deadline, rather than the caller, ended the work.
var ErrCallTimeout = errors.New("call timeout exceeded")

// ProviderError is a completed provider response with a non-2xx status.
type ProviderError struct {
	// Provider is the name of the provider that generated the error.
	Provider string

	// StatusCode is the HTTP status code of the response.
	StatusCode int

	// Body is the raw response body.
	Body string

	// Message is a short description of the failure.
	Message string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s error (status: %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error (status: %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *ProviderError) Retryable() bool {
	return ClassifyStatus(e.StatusCode) == Retryable
}

// NewProviderError creates a ProviderError for a received response.
func NewProviderError(provider string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Body:       body,
	}
}

// TransportError is a failed attempt for which no response was received.
type TransportError struct {
	// Provider is the name of the provider being called.
	Provider string

	// Op describes the step that failed, e.g. "send" or "decode".
	Op string

	// Cause is the underlying network error.
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s %s: %v", e.Provider, e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the transport failure was a timeout.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Cause, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Cause, &ne) && ne.Timeout()
}

// NewTransportError wraps a network failure.
func NewTransportError(provider, op string, cause error) *TransportError {
	return &TransportError{Provider: provider, Op: op, Cause: cause}
}

// ValidationError represents a configuration error for a provider.
type ValidationError struct {
	// Field is the name of the field that failed validation.
	Field string

	// Message is the validation error message.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Is implements error matching for errors.Is.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
