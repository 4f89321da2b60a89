package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAttemptTimeout marks an attempt aborted by its per-attempt deadline.
var ErrAttemptTimeout = errors.New("upstream attempt timed out")

// StatusError is an attempt that got a non-2xx response. The body has
// already been read (up to maxErrorBody bytes) and the connection released.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("upstream %s returned %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s returned %d: %s", e.Endpoint, e.StatusCode, body)
}

// Retryable reports whether the status would have been retried on the same endpoint.
func (e *StatusError) Retryable() bool {
	return Classify(e.StatusCode, nil) == Retryable
}

// DispatchError is returned when every attempt on every endpoint failed.
type DispatchError struct {
	Attempts       int
	EndpointsTried int
	// Last is the failure of the final attempt: a *StatusError or a
	// transport error (possibly wrapping ErrAttemptTimeout).
	Last error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("all %d attempts across %d endpoints failed: %v", e.Attempts, e.EndpointsTried, e.Last)
}

func (e *DispatchError) Unwrap() error {
	return e.Last
}

// Timeout reports whether the final failure was a per-attempt timeout.
func (e *DispatchError) Timeout() bool {
	return errors.Is(e.Last, ErrAttemptTimeout)
}

// UpstreamStatus returns the final non-2xx response, if the last attempt
// produced one.
func (e *DispatchError) UpstreamStatus() (*StatusError, bool) {
	var se *StatusError
	if errors.As(e.Last, &se) {
		return se, true
	}
	return nil, false
}
