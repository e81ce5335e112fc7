package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send in any state other than Connected.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrClosing is the disconnect reason reported when Close is called.
	ErrClosing = errors.New("connection: closing")
	// ErrConnectionLost is the disconnect reason reported when the channel fails.
	ErrConnectionLost = errors.New("connection: connection lost")
)

// ConnectionError describes a failed attempt to establish the channel.
type ConnectionError struct {
	Op      string // "connect" or "reconnect"
	Addr    string // peer address, if the dialer exposes one
	Attempt uint64 // attempt counter at the time of failure
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("connection: %s to %s failed (attempt %d): %v", e.Op, e.Addr, e.Attempt, e.Err)
	}
	return fmt.Sprintf("connection: %s failed (attempt %d): %v", e.Op, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
