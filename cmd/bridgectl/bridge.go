package main

import (
	"log/slog"

	"github.com/lightforgemedia/go-cmdbridge/internal/config"
	"github.com/lightforgemedia/go-cmdbridge/pkg/client"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
	"github.com/lightforgemedia/go-cmdbridge/pkg/transport/natstransport"
	"github.com/lightforgemedia/go-cmdbridge/pkg/transport/wstransport"
)

// newDialer picks the transport named in the configuration.
func newDialer(cfg *config.Config, logger *slog.Logger) connection.Dialer {
	if cfg.Bridge.Transport == config.TransportNATS {
		return natstransport.NewDialer(natstransport.Options{
			URL:            cfg.NATS.URL,
			CommandSubject: cfg.NATS.CommandSubject,
			Logger:         logger,
		})
	}
	return wstransport.NewDialer(cfg.Bridge.URL)
}

// newBridgeClient builds an unconnected client from the configuration.
func newBridgeClient(cfg *config.Config, logger *slog.Logger, opts ...client.Option) *client.Client {
	b := cfg.Bridge
	base := []client.Option{
		client.WithLogger(logger),
		client.WithDefaultCommandTimeout(b.CommandTimeout),
		client.WithReconnectDelay(b.ReconnectDelay),
		client.WithKeepaliveInterval(b.KeepaliveInterval),
		client.WithDialTimeout(b.DialTimeout),
		client.WithPingTimeout(b.PingTimeout),
		client.WithWriteTimeout(b.WriteTimeout),
		client.WithRateLimit(b.RateLimit, b.RateBurst),
	}
	return client.New(newDialer(cfg, logger), append(base, opts...)...)
}
