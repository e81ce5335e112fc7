package client

import "fmt"

// RemoteError is returned when the peer answered a command with success=false.
type RemoteError struct {
	Command       string
	CorrelationID string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client: command %q failed on peer: %s", e.Command, e.Message)
}
