// pkg/envelope/envelope.go
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrProtocol is matched by every inbound message the bridge cannot use.
	ErrProtocol = errors.New("envelope: protocol error")
	// ErrMissingCorrelationID is returned for envelopes without a correlationId.
	ErrMissingCorrelationID = errors.New("envelope: message has no correlationId")
	// ErrInvalidParameters is returned when command parameters do not encode to a JSON object.
	ErrInvalidParameters = errors.New("envelope: parameters must encode to a JSON object")
)

// Command is the outbound envelope sent to the peer.
type Command struct {
	Command       string          `json:"command"`
	Parameters    json.RawMessage `json:"parameters"`
	CorrelationID string          `json:"correlationId"`
}

// Response is the inbound envelope the peer sends back. The peer must echo
// CorrelationID verbatim from the Command it is answering.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Success       bool            `json:"success"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DecodeError describes inbound bytes that could not be turned into an envelope.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: cannot decode message (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProtocol) match any decode failure.
func (e *DecodeError) Is(target error) bool { return target == ErrProtocol }

// NewCommand builds a command envelope. params follows MarshalParameters.
func NewCommand(id, name string, params any) (*Command, error) {
	raw, err := MarshalParameters(params)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", name, err)
	}
	return &Command{Command: name, Parameters: raw, CorrelationID: id}, nil
}

// MarshalParameters encodes command parameters. A nil value becomes {}.
// Anything that does not encode to a JSON object is rejected.
func MarshalParameters(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	var raw json.RawMessage
	switch p := params.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		raw = b
	}
	if string(raw) == "null" || len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !isObject(raw) {
		return nil, ErrInvalidParameters
	}
	return raw, nil
}

// DecodeData unmarshals the response data into v (must be a pointer).
// An absent or null data field leaves v untouched.
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func isObject(raw []byte) bool {
	if !json.Valid(raw) {
		return false
	}
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
