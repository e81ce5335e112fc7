package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-cmdbridge/pkg/client"
)

// ClientOptions contains options for creating a test client
type ClientOptions struct {
	CommandTimeout    time.Duration
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration
	WaitForConnection bool
	ConnectionTimeout time.Duration
}

// DefaultClientOptions returns the default options for creating a test client
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		CommandTimeout:    2 * time.Second,
		ReconnectDelay:    100 * time.Millisecond,
		KeepaliveInterval: 0,
		WaitForConnection: true,
		ConnectionTimeout: 2 * time.Second,
	}
}

// NewTestClient creates a new client connected to the given WebSocket URL.
// It applies the default options and any additional options provided.
func NewTestClient(t *testing.T, urlStr string, opts ...client.Option) *client.Client {
	t.Helper()
	return NewTestClientWithOptions(t, urlStr, DefaultClientOptions(), opts...)
}

// NewTestClientWithOptions creates a new client with the specified options.
func NewTestClientWithOptions(t *testing.T, urlStr string, options ClientOptions, opts ...client.Option) *client.Client {
	t.Helper()

	clientOpts := client.DefaultOptions()
	clientOpts.Logger = DefaultLogger
	clientOpts.CommandTimeout = options.CommandTimeout
	clientOpts.ReconnectDelay = options.ReconnectDelay
	clientOpts.KeepaliveInterval = options.KeepaliveInterval

	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectionTimeout)
	defer cancel()
	cli, err := client.ConnectWithOptions(ctx, urlStr, clientOpts, opts...)
	if cli == nil {
		t.Fatalf("client.ConnectWithOptions returned nil client: %v", err)
	}
	t.Cleanup(func() {
		cli.Close()
	})
	if err != nil && options.WaitForConnection {
		t.Fatalf("client failed to connect to %s: %v", urlStr, err)
	}
	return cli
}
