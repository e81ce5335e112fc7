// cmdbridge.go
package cmdbridge

import (
	"context"

	"github.com/lightforgemedia/go-cmdbridge/pkg/client"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
	"github.com/lightforgemedia/go-cmdbridge/pkg/envelope"
	"github.com/lightforgemedia/go-cmdbridge/pkg/peer"
	"github.com/lightforgemedia/go-cmdbridge/pkg/pending"
	"github.com/lightforgemedia/go-cmdbridge/pkg/transport/natstransport"
	"github.com/lightforgemedia/go-cmdbridge/pkg/transport/wstransport"
)

// Re-export core types
type (
	Client        = client.Client
	ClientOption  = client.Option
	ClientOptions = client.Options
	CallOption    = client.CallOption
	Result        = client.Result
	RemoteError   = client.RemoteError
	Observer      = client.Observer
	Outcome       = client.Outcome

	Command  = envelope.Command
	Response = envelope.Response
	Codec    = envelope.Codec

	State       = connection.State
	StateChange = connection.StateChange
	Stats       = connection.Stats
	Transport   = connection.Transport
	Dialer      = connection.Dialer

	Peer        = peer.Peer
	PeerOption  = peer.Option
	Reply       = peer.Reply
	HandlerFunc = peer.HandlerFunc

	NATSOptions = natstransport.Options
)

// Re-export error types
var (
	ErrNotConnected   = connection.ErrNotConnected
	ErrTimeout        = pending.ErrTimeout
	ErrConnectionLost = pending.ErrConnectionLost
	ErrProtocol       = envelope.ErrProtocol
)

// Re-export connection states
const (
	Disconnected = connection.Disconnected
	Connecting   = connection.Connecting
	Connected    = connection.Connected
	Closing      = connection.Closing
)

// Dial connects a client to a websocket peer. The client is returned even
// when the first attempt fails; it keeps retrying until closed.
func Dial(ctx context.Context, url string, opts ...client.Option) (*client.Client, error) {
	return client.Dial(ctx, url, opts...)
}

// NewClient creates an unconnected client over any dialer.
func NewClient(dialer connection.Dialer, opts ...client.Option) *client.Client {
	return client.New(dialer, opts...)
}

// NewWebSocketDialer creates a dialer for a websocket peer.
func NewWebSocketDialer(url string, opts ...wstransport.Option) connection.Dialer {
	return wstransport.NewDialer(url, opts...)
}

// NewNATSDialer creates a dialer that reaches the peer through NATS subjects.
func NewNATSDialer(opts natstransport.Options) connection.Dialer {
	return natstransport.NewDialer(opts)
}

// NewPeer creates a responder that answers commands with registered handlers.
func NewPeer(opts ...peer.Option) *peer.Peer {
	return peer.New(opts...)
}

// DefaultClientOptions returns default options for ConnectWithOptions.
func DefaultClientOptions() client.Options {
	return client.DefaultOptions()
}

// GenericCommand sends a command and decodes the response data into T.
func GenericCommand[T any](ctx context.Context, c *client.Client, name string, params any, opts ...client.CallOption) (*T, error) {
	return client.GenericCommand[T](ctx, c, name, params, opts...)
}
