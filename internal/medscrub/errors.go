package medscrub

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigError reports invalid client construction. It is always raised before
// any network activity.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("medscrub: %s", e.Reason)
}

// AuthError reports a 401 from the service: invalid or expired credentials.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("medscrub: authentication failed: %s (status=%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("medscrub: authentication failed (status=%d)", e.StatusCode)
}

// RateLimitError reports a 429. RetryAfter is the service-suggested wait in
// seconds, zero when the service gave no hint.
type RateLimitError struct {
	StatusCode int
	Message    string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("medscrub: rate limit exceeded, retry after %ds (status=%d)", e.RetryAfter, e.StatusCode)
	}
	return fmt.Sprintf("medscrub: rate limit exceeded (status=%d)", e.StatusCode)
}

// APIError reports any other non-success response, carrying the
// service-reported message and status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("medscrub: %s (status=%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("medscrub: http status %d", e.StatusCode)
}

// TransportError reports a failure before any HTTP status was received:
// timeouts, connection refusals, cancelled contexts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("medscrub: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an APIError with a 404 status. The
// assistant uses this to treat repeated session deletion as idempotent.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
