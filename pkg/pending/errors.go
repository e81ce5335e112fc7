package pending

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by outcomes of requests that got no response in time.
	ErrTimeout = errors.New("pending: request timed out")
	// ErrConnectionLost is matched by outcomes of requests failed in bulk
	// because the connection went away or was closed.
	ErrConnectionLost = errors.New("pending: connection lost")
)

// TimeoutError is the outcome of a request whose deadline passed.
type TimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pending: request %s timed out after %v", e.ID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ConnectionLostError is the outcome of every request outstanding when the
// connection left the connected state.
type ConnectionLostError struct {
	Reason error
}

func (e *ConnectionLostError) Error() string {
	if e.Reason == nil {
		return ErrConnectionLost.Error()
	}
	return fmt.Sprintf("pending: connection lost: %v", e.Reason)
}

func (e *ConnectionLostError) Unwrap() error { return e.Reason }

func (e *ConnectionLostError) Is(target error) bool { return target == ErrConnectionLost }
