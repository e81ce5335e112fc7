package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Codec translates envelopes to and from wire bytes. Implementations must be
// free of side effects and safe for concurrent use.
type Codec interface {
	EncodeCommand(cmd *Command) ([]byte, error)
	DecodeResponse(data []byte) (*Response, error)
}

// JSONCodec encodes one JSON object per message.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

// EncodeCommand marshals cmd. Output is deterministic for a given envelope.
func (JSONCodec) EncodeCommand(cmd *Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("envelope: nil command")
	}
	out := *cmd
	if len(out.Parameters) == 0 {
		out.Parameters = json.RawMessage(`{}`)
	}
	b, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode command %q: %w", cmd.Command, err)
	}
	return b, nil
}

// DecodeResponse parses data into a Response. Malformed, truncated or
// non-object input and responses lacking a correlationId yield a *DecodeError.
func (JSONCodec) DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := decodeObject(data, &resp); err != nil {
		return nil, err
	}
	if resp.CorrelationID == "" {
		return nil, &DecodeError{Raw: data, Err: ErrMissingCorrelationID}
	}
	return &resp, nil
}

// DecodeCommand is the peer-side counterpart of EncodeCommand.
func (JSONCodec) DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := decodeObject(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.CorrelationID == "" {
		return nil, &DecodeError{Raw: data, Err: ErrMissingCorrelationID}
	}
	return &cmd, nil
}

// EncodeResponse is the peer-side counterpart of DecodeResponse.
func (JSONCodec) EncodeResponse(resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, errors.New("envelope: nil response")
	}
	if resp.CorrelationID == "" {
		return nil, ErrMissingCorrelationID
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode response %s: %w", resp.CorrelationID, err)
	}
	return b, nil
}

func decodeObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &DecodeError{Raw: data, Err: errors.New("empty message")}
	}
	if trimmed[0] != '{' {
		return &DecodeError{Raw: data, Err: errors.New("message is not a JSON object")}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Raw: data, Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return &DecodeError{Raw: data, Err: errors.New("trailing data after JSON object")}
	}
	return nil
}
