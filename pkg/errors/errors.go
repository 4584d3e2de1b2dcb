// Package errors defines the unified error taxonomy for credential dispatch
// and upstream calls. Upstream failure responses are mapped to these
// categories; the retry policy acts on the category, never on raw status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoCredentialAvailable is returned by dispatch when the valid queue is
// empty after cooling reconciliation. It is terminal for the current request.
var ErrNoCredentialAvailable = errors.New("no credential available")

// Category names one of the upstream failure classes the retry policy
// understands.
type Category string

const (
	// CategoryAuthFailure marks a credential rejected as invalid or expired.
	CategoryAuthFailure Category = "auth_failure"
	// CategoryRateLimited marks a standard rate limit on an otherwise healthy
	// credential.
	CategoryRateLimited Category = "rate_limited"
	// CategoryLongContextGate marks an upstream refusal tied to the
	// long-context feature being active, not to the credential itself.
	CategoryLongContextGate Category = "long_context_gate"
	// CategoryReauthRequired marks a permission error during token
	// refresh/exchange for an OAuth credential.
	CategoryReauthRequired Category = "reauth_required"
	// CategoryTransport marks network and 5xx failures.
	CategoryTransport Category = "transport_error"
	// CategoryUnclassified is everything the classifier could not attribute.
	CategoryUnclassified Category = "unclassified"
)

// UpstreamError represents a classified failure from an upstream attempt.
// It carries everything the retry policy and the audit trail need.
type UpstreamError struct {
	Category   Category      `json:"category"`
	StatusCode int           `json:"status_code"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider"`
	RetryAfter time.Duration `json:"-"`
	Retryable  bool          `json:"-"`
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, status=%d)",
		e.Category, e.Message, e.Provider, e.StatusCode)
}

// HTTPStatusCode returns the status code observed upstream, defaulting to 502
// when the failure never produced one (transport errors).
func (e *UpstreamError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusBadGateway
}

// NewAuthFailureError creates an auth failure (credential invalid/expired).
func NewAuthFailureError(provider, message string, statusCode int) *UpstreamError {
	return &UpstreamError{
		Category:   CategoryAuthFailure,
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewRateLimitedError creates a rate limit error. retryAfter may be zero when
// upstream did not announce a reset time.
func NewRateLimitedError(provider, message string, retryAfter time.Duration) *UpstreamError {
	return &UpstreamError{
		Category:   CategoryRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Provider:   provider,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewLongContextGateError creates a long-context gate rejection.
func NewLongContextGateError(provider, message string, statusCode int) *UpstreamError {
	return &UpstreamError{
		Category:   CategoryLongContextGate,
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewReauthRequiredError creates a token-exchange permission error.
func NewReauthRequiredError(provider, message string) *UpstreamError {
	return &UpstreamError{
		Category:   CategoryReauthRequired,
		StatusCode: http.StatusForbidden,
		Message:    message,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewTransportError creates a network/5xx error.
func NewTransportError(provider, message string, statusCode int) *UpstreamError {
	return &UpstreamError{
		Category:   CategoryTransport,
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewUnclassifiedError creates an unattributed error. retryable=false short
// circuits the retry loop for responses that are unambiguously the request's
// own fault (malformed body, policy refusal).
func NewUnclassifiedError(provider, message string, statusCode int, retryable bool) *UpstreamError {
	return &UpstreamError{
		Category:   CategoryUnclassified,
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Retryable:  retryable,
	}
}

// CategoryOf extracts the category from err, or CategoryUnclassified when err
// is not an *UpstreamError.
func CategoryOf(err error) Category {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Category
	}
	return CategoryUnclassified
}

// IsRetryable reports whether the retry loop may continue after err.
// ErrNoCredentialAvailable is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNoCredentialAvailable) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	// Plain transport errors from the HTTP client are retryable.
	return true
}
