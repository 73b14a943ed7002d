package core

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Provider defines the interface for the downstream email API.
// A Provider performs exactly one network attempt per Send call and never
// retries on its own.
type Provider interface {
	// Send performs a single delivery attempt.
	// A response with a non-2xx status must be reported as *ProviderError,
	// a failure without a response as *TransportError.
	Send(ctx context.Context, req SendRequest) (*SendResult, error)

	// ValidateConfig validates the provider configuration.
	ValidateConfig() error

	// Name returns the provider's name for identification and logging.
	Name() string
}

// ProviderSettings represents configuration settings for email providers.
type ProviderSettings map[string]string

// Get retrieves a configuration value by key.
func (ps ProviderSettings) Get(key string) string {
	return ps[key]
}

// Set sets a configuration value.
func (ps ProviderSettings) Set(key, value string) {
	ps[key] = value
}

// GetOr returns the value for key or fallback when it is unset.
func (ps ProviderSettings) GetOr(key, fallback string) string {
	if v, ok := ps[key]; ok && v != "" {
		return v
	}
	return fallback
}

// SendRequest is a single outbound email. It is built once per call and
// never mutated afterwards.
type SendRequest struct {
	recipient string
	subject   string
	bodyHTML  string
}

// NewSendRequest creates a SendRequest from pre-resolved inputs.
func NewSendRequest(recipient, subject, bodyHTML string) SendRequest {
	return SendRequest{
		recipient: strings.TrimSpace(recipient),
		subject:   subject,
		bodyHTML:  bodyHTML,
	}
}

// Recipient returns the recipient address.
func (r SendRequest) Recipient() string { return r.recipient }

// Subject returns the subject line.
func (r SendRequest) Subject() string { return r.subject }

// BodyHTML returns the pre-rendered HTML body.
func (r SendRequest) BodyHTML() string { return r.bodyHTML }

// RecipientDomain returns the lowercased domain part of the recipient,
// or "unknown" when the address has none.
func (r SendRequest) RecipientDomain() string {
	at := strings.LastIndexByte(r.recipient, '@')
	if at < 0 || at == len(r.recipient)-1 {
		return "unknown"
	}
	return strings.ToLower(r.recipient[at+1:])
}

// SubjectPrefix returns at most n runes of the subject.
func (r SendRequest) SubjectPrefix(n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(r.subject)
	if len(runes) <= n {
		return r.subject
	}
	return string(runes[:n])
}

// ErrorKind describes how an attempt failed.
type ErrorKind int

const (
	// ErrorKindNone marks a successful attempt.
	ErrorKindNone ErrorKind = iota

	// ErrorKindClientError is a 4xx response other than 429.
	ErrorKindClientError

	// ErrorKindRateLimited is a 429 response.
	ErrorKindRateLimited

	// ErrorKindServerError is a 5xx response.
	ErrorKindServerError

	// ErrorKindUnexpectedStatus is a non-2xx response outside 4xx/5xx.
	ErrorKindUnexpectedStatus

	// ErrorKindTimeout is an attempt that hit its own deadline.
	ErrorKindTimeout

	// ErrorKindTransport is a connect, DNS or read failure without a response.
	ErrorKindTransport

	// ErrorKindCancelled is an attempt aborted by the caller.
	ErrorKindCancelled
)

// String returns the label used for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindClientError:
		return "client_error"
	case ErrorKindRateLimited:
		return "rate_limited"
	case ErrorKindServerError:
		return "server_error"
	case ErrorKindUnexpectedStatus:
		return "unexpected_status"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindTransport:
		return "transport"
	case ErrorKindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// AttemptOutcome records a single network attempt.
type AttemptOutcome struct {
	// Attempt is the 1-based attempt number within the call.
	Attempt int

	// Succeeded reports whether the provider accepted the message.
	Succeeded bool

	// StatusCode is the HTTP status, 0 when no response was received.
	StatusCode int

	// Kind classifies the failure, ErrorKindNone on success.
	Kind ErrorKind

	// Latency is the wall time of the attempt.
	Latency time.Duration

	// Err is the attempt error, nil on success.
	Err error
}

// HasStatus reports whether a response status was observed.
func (o AttemptOutcome) HasStatus() bool {
	return o.StatusCode > 0
}

// StatusClass returns "2xx", "4xx" and so on, or the error kind when no
// response was received. A success without a recorded status is "2xx".
func (o AttemptOutcome) StatusClass() string {
	if o.Succeeded && !o.HasStatus() {
		return "2xx"
	}
	if !o.HasStatus() {
		return o.Kind.String()
	}
	return StatusClass(o.StatusCode)
}

// StatusClass formats an HTTP status as its class label.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

// SendResult contains the result of a successful send.
type SendResult struct {
	// MessageID is the identifier assigned by the provider.
	MessageID string

	// Provider is the name of the provider that accepted the email.
	Provider string

	// StatusCode is the HTTP status of the accepting response.
	StatusCode int

	// Attempts is the number of attempts the call used.
	Attempts int

	// Timestamp when the email was accepted by the provider.
	Timestamp time.Time
}
