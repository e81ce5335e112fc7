// Package wstransport carries bridge messages over a websocket, one JSON
// document per text frame.
package wstransport

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
)

// DefaultReadLimit is the largest inbound message accepted, in bytes.
const DefaultReadLimit = 1 << 20

// Option configures a Dialer.
type Option func(*Dialer)

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(d *Dialer) {
		d.dialOptions = opts
	}
}

// WithReadLimit sets the maximum inbound message size.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// Dialer opens websocket connections to a fixed URL.
type Dialer struct {
	url         string
	dialOptions *websocket.DialOptions
	readLimit   int64
}

var _ connection.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer for a ws:// or wss:// URL.
func NewDialer(url string, opts ...Option) *Dialer {
	d := &Dialer{url: url, readLimit: DefaultReadLimit}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Addr returns the peer URL.
func (d *Dialer) Addr() string { return d.url }

func (d *Dialer) Dial(ctx context.Context) (connection.Transport, error) {
	conn, httpResp, err := websocket.Dial(ctx, d.url, d.dialOptions)
	if err != nil {
		if httpResp != nil {
			return nil, fmt.Errorf("dial %s: %w (status: %s)", d.url, err, httpResp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	conn.SetReadLimit(d.readLimit)
	return New(conn), nil
}

// Transport adapts a *websocket.Conn to connection.Transport.
type Transport struct {
	conn *websocket.Conn
}

var _ connection.Transport = (*Transport)(nil)

// New wraps an established connection.
func New(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, fmt.Errorf("peer closed connection (status %d): %w", status, err)
		}
		return nil, err
	}
	return data, nil
}

// Ping sends a websocket ping and waits for the pong. It relies on Receive
// being called concurrently, which the connection manager guarantees.
func (t *Transport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *Transport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bridge closing")
}
