package supervisor

import (
	"errors"
	"fmt"
)

// ErrNoToken indicates that no supervisor token is configured.
var ErrNoToken = errors.New("supervisor token not configured")

// UpstreamError reports a failed call to the supervisor API. Transport
// failures carry a zero StatusCode and a wrapped cause.
type UpstreamError struct {
	// Op is the operation that failed.
	Op string

	// StatusCode is the HTTP status returned by the supervisor, or 0
	// for transport failures.
	StatusCode int

	// Body is the response body, truncated for logging.
	Body string

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements error.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("supervisor %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("supervisor %s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap returns the underlying transport error.
func (e *UpstreamError) Unwrap() error { return e.Err }
