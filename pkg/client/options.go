package client

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
)

// Options contains configuration values for ConnectWithOptions.
type Options struct {
	Logger            *slog.Logger
	DialOptions       *websocket.DialOptions
	CommandTimeout    time.Duration
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration // 0 or <0 disables keepalive probes
	DialTimeout       time.Duration
	PingTimeout       time.Duration
	WriteTimeout      time.Duration
	RateLimit         float64 // commands per second; 0 disables limiting
	RateBurst         int
	Observer          Observer
}

// DefaultOptions returns a Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		DialOptions:       &websocket.DialOptions{HTTPClient: http.DefaultClient},
		CommandTimeout:    defaultCommandTimeout,
		ReconnectDelay:    connection.DefaultReconnectDelay,
		KeepaliveInterval: connection.DefaultKeepaliveInterval,
		DialTimeout:       connection.DefaultDialTimeout,
		PingTimeout:       connection.DefaultPingTimeout,
		WriteTimeout:      connection.DefaultWriteTimeout,
	}
}

// toOptions converts the struct form into functional options. Zero durations
// keep the library defaults, except KeepaliveInterval where 0 disables probes.
func (o Options) toOptions() []Option {
	opts := []Option{
		WithLogger(o.Logger),
		WithDefaultCommandTimeout(o.CommandTimeout),
		WithReconnectDelay(o.ReconnectDelay),
		WithKeepaliveInterval(o.KeepaliveInterval),
		WithDialTimeout(o.DialTimeout),
		WithPingTimeout(o.PingTimeout),
		WithWriteTimeout(o.WriteTimeout),
		WithRateLimit(o.RateLimit, o.RateBurst),
		WithObserver(o.Observer),
	}
	if o.DialOptions != nil {
		opts = append(opts, WithDialOptions(o.DialOptions))
	}
	return opts
}

// ConnectWithOptions dials a websocket peer using an Options struct.
// Additional functional options are applied after the struct.
func ConnectWithOptions(ctx context.Context, url string, o Options, opts ...Option) (*Client, error) {
	return Dial(ctx, url, append(o.toOptions(), opts...)...)
}
