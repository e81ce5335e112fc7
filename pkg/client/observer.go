package client

import (
	"time"

	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
)

// Outcome labels how a command ended.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRemoteError    Outcome = "remote_error"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeConnectionLost Outcome = "connection_lost"
	OutcomeNotConnected   Outcome = "not_connected"
	OutcomeCanceled       Outcome = "canceled"
	OutcomeSendFailed     Outcome = "send_failed"
)

// Observer receives lifecycle notifications from a Client. Methods are called
// synchronously and must not block.
type Observer interface {
	CommandCompleted(command string, outcome Outcome, latency time.Duration)
	// PendingChanged is called with the registry locked, so calls arrive in order.
	PendingChanged(n int)
	StateChanged(from, to connection.State)
	ProtocolError(err error)
	UnmatchedResponse(correlationID string)
}

type nopObserver struct{}

func (nopObserver) CommandCompleted(string, Outcome, time.Duration) {}
func (nopObserver) PendingChanged(int)                              {}
func (nopObserver) StateChanged(connection.State, connection.State) {}
func (nopObserver) ProtocolError(error)                             {}
func (nopObserver) UnmatchedResponse(string)                        {}
