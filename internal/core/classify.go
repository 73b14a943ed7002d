package core

import (
	"errors"
	"net/http"
)

// Classification is the retry decision for a failed attempt.
type Classification int

const (
	// Retryable failures may succeed on a later attempt.
	Retryable Classification = iota

	// Permanent failures are never retried.
	Permanent
)

// String returns the classification label.
func (c Classification) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "retryable"
}

// ClassifyStatus classifies a received HTTP status.
// 4xx other than 429 is permanent; everything else is retryable.
func ClassifyStatus(status int) Classification {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return Permanent
	}
	return Retryable
}

// Classify decides whether a failed attempt should be retried.
// Errors without a provider response (transport failures, timeouts) are
// retryable.
func Classify(err error) Classification {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return ClassifyStatus(pe.StatusCode)
	}
	return Retryable
}

// KindOf maps a failed attempt error to its ErrorKind.
// Timeouts and cancellation decided by the caller's context are not visible
// here; the retry executor overrides the kind for those.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusTooManyRequests:
			return ErrorKindRateLimited
		case pe.StatusCode >= 400 && pe.StatusCode < 500:
			return ErrorKindClientError
		case pe.StatusCode >= 500 && pe.StatusCode < 600:
			return ErrorKindServerError
		default:
			return ErrorKindUnexpectedStatus
		}
	}

	var te *TransportError
	if errors.As(err, &te) && te.Timeout() {
		return ErrorKindTimeout
	}
	return ErrorKindTransport
}
