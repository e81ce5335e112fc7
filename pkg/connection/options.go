package connection

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultPingTimeout       = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	defaultStateQueueLength  = 64
)

type config struct {
	logger            *slog.Logger
	clock             clock.Clock
	reconnectDelay    time.Duration
	keepaliveInterval time.Duration // 0 disables keepalive probes
	dialTimeout       time.Duration
	pingTimeout       time.Duration
	writeTimeout      time.Duration
	stateQueueLength  int
	onMessage         func([]byte)
	onDisconnect      func(reason error)
}

func defaultConfig() config {
	return config{
		logger:            slog.Default(),
		clock:             clock.New(),
		reconnectDelay:    DefaultReconnectDelay,
		keepaliveInterval: DefaultKeepaliveInterval,
		dialTimeout:       DefaultDialTimeout,
		pingTimeout:       DefaultPingTimeout,
		writeTimeout:      DefaultWriteTimeout,
		stateQueueLength:  defaultStateQueueLength,
	}
}

// Option configures a Manager.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock driving reconnect and keepalive timers.
func WithClock(cl clock.Clock) Option {
	return func(c *config) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithReconnectDelay sets the fixed delay between connection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithKeepaliveInterval sets how often a connected channel is probed.
// interval <= 0 disables probes.
func WithKeepaliveInterval(interval time.Duration) Option {
	return func(c *config) {
		if interval < 0 {
			interval = 0
		}
		c.keepaliveInterval = interval
	}
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithPingTimeout bounds a single keepalive probe.
func WithPingTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pingTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single Send.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithStateQueueLength sets the buffer of each Watch channel.
func WithStateQueueLength(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.stateQueueLength = n
		}
	}
}

// WithMessageHandler sets the callback for every inbound message. It runs on
// the connection's read goroutine.
func WithMessageHandler(fn func([]byte)) Option {
	return func(c *config) {
		c.onMessage = fn
	}
}

// WithDisconnectHandler sets the callback run on every transition out of
// Connected and on Close. It runs with the Manager's lock held and must not
// call back into the Manager.
func WithDisconnectHandler(fn func(reason error)) Option {
	return func(c *config) {
		c.onDisconnect = fn
	}
}
