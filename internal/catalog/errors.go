package catalog

import (
	"errors"
	"fmt"
)

// ErrBookmarkNotFound is returned when a manual bookmark operation targets
// an id the upstream does not know about.
var ErrBookmarkNotFound = errors.New("bookmark not found")

// AuthenticationError represents authentication and authorization failures
// against the upstream catalog, including 401 Unauthorized and 403 Forbidden
// responses. It is surfaced as-is and never retried.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// UpstreamError represents failures reaching or understanding the upstream
// catalog service: 5xx responses, connection errors, or responses missing
// the expected payload. Callers may retry once on it.
type UpstreamError struct {
	Operation  string // The operation that failed (e.g., "resolve_stream_url")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("upstream error during %s: %s", e.Operation, e.APIMessage)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err is an AuthenticationError.
func IsUnauthorized(err error) bool {
	var authErr *AuthenticationError

	return errors.As(err, &authErr)
}

// IsUpstreamUnavailable reports whether err is an UpstreamError.
func IsUpstreamUnavailable(err error) bool {
	var upErr *UpstreamError

	return errors.As(err, &upErr)
}
