package connection

import "context"

// Transport is one established duplex channel. Send and Ping may be called
// concurrently with each other and with a single goroutine blocked in Receive.
type Transport interface {
	// Send writes one complete message.
	Send(ctx context.Context, data []byte) error
	// Receive blocks until the next complete message arrives. Any error ends
	// the connection.
	Receive(ctx context.Context) ([]byte, error)
	// Ping performs a liveness round trip.
	Ping(ctx context.Context) error
	// Close tears the channel down. It must unblock Receive.
	Close() error
}

// Dialer establishes new transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

// addresser is implemented by dialers that can name their peer for logs and errors.
type addresser interface {
	Addr() string
}
