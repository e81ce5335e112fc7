package peer

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reply is what a handler returns on success. Data is marshalled into the
// response's data field; nil omits it.
type Reply struct {
	Message string
	Data    any
}

// HandlerFunc answers one command. A non-nil error becomes a success=false
// response carrying the error text.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (*Reply, error)

// HandleFunc registers a typed handler: parameters are unmarshalled into Req
// and the returned Resp becomes the response data.
func HandleFunc[Req, Resp any](p *Peer, name string, fn func(ctx context.Context, req Req) (Resp, error)) {
	p.Handle(name, func(ctx context.Context, params json.RawMessage) (*Reply, error) {
		var req Req
		if len(params) > 0 && string(params) != "null" {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Reply{Data: resp}, nil
	})
}
