package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrSerialization wraps JSON encoding failures; the event is dropped
	ErrSerialization = errors.New("serialize event")
	// ErrTransport wraps connection failures and timeouts; the event is dropped
	ErrTransport = errors.New("forward event")
	// ErrQueueFull is reported when every worker is busy and the queue is at capacity
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrNotStarted is reported for submissions before Start
	ErrNotStarted = errors.New("dispatcher not started")
	// ErrStopped is reported for submissions after Shutdown
	ErrStopped = errors.New("dispatcher stopped")
	// ErrShutdownTimeout is returned when in-flight tasks outlive the shutdown bound
	ErrShutdownTimeout = errors.New("timed out waiting for in-flight dispatches")
)

// EndpointError is an HTTP response in the 400..599 range. The event still
// counts as dispatched.
type EndpointError struct {
	StatusCode int
	Body       string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("HTTP endpoint returned [%d] : %s", e.StatusCode, e.Body)
}

func isEndpointError(status int) bool {
	return status >= 400 && status <= 599
}
