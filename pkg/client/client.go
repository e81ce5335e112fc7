// Package client is the command bridge facade: it sends named commands to the
// remote peer and waits for the response carrying the same correlation id.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
	"github.com/lightforgemedia/go-cmdbridge/pkg/envelope"
	"github.com/lightforgemedia/go-cmdbridge/pkg/pending"
	"github.com/lightforgemedia/go-cmdbridge/pkg/transport/wstransport"
	"golang.org/x/time/rate"
)

const (
	defaultCommandTimeout = 15 * time.Second
)

type clientConfig struct {
	logger            *slog.Logger
	clock             clock.Clock
	codec             envelope.Codec
	dialOptions       *websocket.DialOptions
	commandTimeout    time.Duration
	reconnectDelay    time.Duration
	keepaliveInterval time.Duration
	dialTimeout       time.Duration
	pingTimeout       time.Duration
	writeTimeout      time.Duration
	limiter           *rate.Limiter
	observer          Observer
}

// Client issues commands over one managed connection.
type Client struct {
	config         clientConfig
	commandTimeout atomic.Int64

	registry *pending.Registry
	conn     *connection.Manager

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithClock sets the clock used for command timeouts and reconnect timers.
func WithClock(cl clock.Clock) Option {
	return func(c *Client) {
		if cl != nil {
			c.config.clock = cl
		}
	}
}

// WithCodec replaces the wire codec.
func WithCodec(codec envelope.Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.config.codec = codec
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions. Only used by Dial.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		c.config.dialOptions = opts
	}
}

// WithDefaultCommandTimeout sets the timeout applied to commands that do not
// override it with WithTimeout.
func WithDefaultCommandTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.commandTimeout = timeout
		}
	}
}

// WithReconnectDelay sets the fixed delay between connection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.reconnectDelay = d
		}
	}
}

// WithKeepaliveInterval sets the keepalive probe interval.
// interval <= 0 disables probes.
func WithKeepaliveInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.config.keepaliveInterval = interval
	}
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.dialTimeout = d
		}
	}
}

// WithPingTimeout bounds a single keepalive probe.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.pingTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.writeTimeout = d
		}
	}
}

// WithRateLimit limits outbound commands to rps per second with the given
// burst. Callers wait for a token before the command is registered.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.config.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.config.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithObserver registers an observer for command and connection events.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.config.observer = o
		}
	}
}

// New creates a Client that reaches the peer through dialer. It does not
// connect; call Connect.
func New(dialer connection.Dialer, opts ...Option) *Client {
	return newClient(func(clientConfig) connection.Dialer { return dialer }, opts...)
}

// Dial creates a Client for a websocket peer and connects it. When the
// initial attempt fails the Client is still returned alongside the error and
// keeps retrying in the background; call Close to stop it.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := newClient(func(cfg clientConfig) connection.Dialer {
		return wstransport.NewDialer(url, wstransport.WithDialOptions(cfg.dialOptions))
	}, opts...)
	if err := c.Connect(ctx); err != nil {
		return c, err
	}
	return c, nil
}

func newClient(dialer func(clientConfig) connection.Dialer, opts ...Option) *Client {
	c := &Client{
		config: clientConfig{
			logger:            slog.Default(),
			clock:             clock.New(),
			codec:             envelope.JSONCodec{},
			commandTimeout:    defaultCommandTimeout,
			reconnectDelay:    connection.DefaultReconnectDelay,
			keepaliveInterval: connection.DefaultKeepaliveInterval,
			dialTimeout:       connection.DefaultDialTimeout,
			pingTimeout:       connection.DefaultPingTimeout,
			writeTimeout:      connection.DefaultWriteTimeout,
			observer:          nopObserver{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.commandTimeout.Store(int64(c.config.commandTimeout))

	c.registry = pending.New(
		pending.WithClock(c.config.clock),
		pending.WithLogger(c.config.logger),
		pending.WithSizeObserver(c.config.observer.PendingChanged),
	)
	c.conn = connection.New(dialer(c.config),
		connection.WithLogger(c.config.logger),
		connection.WithClock(c.config.clock),
		connection.WithReconnectDelay(c.config.reconnectDelay),
		connection.WithKeepaliveInterval(c.config.keepaliveInterval),
		connection.WithDialTimeout(c.config.dialTimeout),
		connection.WithPingTimeout(c.config.pingTimeout),
		connection.WithWriteTimeout(c.config.writeTimeout),
		connection.WithMessageHandler(c.handleMessage),
		connection.WithDisconnectHandler(c.handleDisconnect),
	)
	return c
}

// Connect establishes the connection. It is a no-op while connecting or
// connected. A failed attempt returns a *connection.ConnectionError and a
// retry is scheduled.
func (c *Client) Connect(ctx context.Context) error {
	c.startWatch()
	return c.conn.Connect(ctx)
}

// Close fails every outstanding command, closes the connection and stops
// reconnecting. It is safe to call more than once.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.stopWatch()
	return err
}

// SendCommand sends a command and waits for its response. It returns
// connection.ErrNotConnected immediately, without registering anything, when
// the connection is not established. Other failures match pending.ErrTimeout,
// pending.ErrConnectionLost, *RemoteError or ctx.Err().
func (c *Client) SendCommand(ctx context.Context, name string, params any, opts ...CallOption) (*Result, error) {
	call := callConfig{timeout: c.CommandTimeout()}
	for _, opt := range opts {
		opt(&call)
	}

	raw, err := envelope.MarshalParameters(params)
	if err != nil {
		return nil, fmt.Errorf("client: command %q: %w", name, err)
	}
	if !c.conn.IsConnected() {
		c.config.observer.CommandCompleted(name, OutcomeNotConnected, 0)
		return nil, connection.ErrNotConnected
	}
	if c.config.limiter != nil {
		if err := c.config.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("client: command %q: rate limit: %w", name, err)
		}
		// The connection may have dropped while waiting for a token.
		if !c.conn.IsConnected() {
			c.config.observer.CommandCompleted(name, OutcomeNotConnected, 0)
			return nil, connection.ErrNotConnected
		}
	}

	start := c.config.clock.Now()
	p := c.registry.Register(call.timeout)
	log := c.config.logger.With("command", name, "correlation_id", p.ID())

	data, err := c.config.codec.EncodeCommand(&envelope.Command{
		Command:       name,
		Parameters:    raw,
		CorrelationID: p.ID(),
	})
	if err != nil {
		c.registry.Reject(p.ID(), err)
	} else if err := c.conn.Send(ctx, data); err != nil {
		// A write failure has usually failed the registry already; Reject
		// only wins when the command never reached the wire.
		c.registry.Reject(p.ID(), err)
	} else {
		log.Debug("command sent", "timeout", call.timeout)
	}

	out := p.Wait(ctx)
	latency := c.config.clock.Since(start)

	if out.Err != nil {
		outcome := classify(out.Err)
		c.config.observer.CommandCompleted(name, outcome, latency)
		log.Debug("command failed", "outcome", outcome, "error", out.Err)
		return nil, out.Err
	}

	resp := out.Response
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		c.config.observer.CommandCompleted(name, OutcomeRemoteError, latency)
		log.Debug("command rejected by peer", "error", msg)
		return nil, &RemoteError{Command: name, CorrelationID: resp.CorrelationID, Message: msg}
	}

	c.config.observer.CommandCompleted(name, OutcomeSuccess, latency)
	log.Debug("command completed", "latency", latency)
	return &Result{
		CorrelationID: resp.CorrelationID,
		Message:       resp.Message,
		Data:          resp.Data,
	}, nil
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, pending.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, pending.ErrConnectionLost):
		return OutcomeConnectionLost
	case errors.Is(err, connection.ErrNotConnected):
		return OutcomeNotConnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeSendFailed
	}
}

func (c *Client) handleMessage(data []byte) {
	resp, err := c.config.codec.DecodeResponse(data)
	if err != nil {
		c.config.logger.Warn("dropping undecodable message", "error", err)
		c.config.observer.ProtocolError(err)
		return
	}
	if !c.registry.Resolve(resp.CorrelationID, resp) {
		c.config.observer.UnmatchedResponse(resp.CorrelationID)
	}
}

// handleDisconnect runs inside the connection manager's critical section.
func (c *Client) handleDisconnect(reason error) {
	if n := c.registry.FailAll(reason); n > 0 {
		c.config.logger.Info("failed outstanding commands", "count", n, "reason", reason)
	}
}

func (c *Client) startWatch() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watchCancel != nil {
		return
	}
	if _, ok := c.config.observer.(nopObserver); ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	changes := c.conn.Watch(ctx)
	go func() {
		for sc := range changes {
			c.config.observer.StateChanged(sc.From, sc.To)
		}
	}()
}

func (c *Client) stopWatch() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
}

// IsConnected reports whether commands can currently be sent.
func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// State returns the connection state.
func (c *Client) State() connection.State { return c.conn.State() }

// Stats returns the connection counters.
func (c *Client) Stats() connection.Stats { return c.conn.Stats() }

// Watch streams connection state changes until ctx is done.
func (c *Client) Watch(ctx context.Context) <-chan connection.StateChange {
	return c.conn.Watch(ctx)
}

// Pending returns the number of commands awaiting a response.
func (c *Client) Pending() int { return c.registry.Len() }

// CommandTimeout returns the current default command timeout.
func (c *Client) CommandTimeout() time.Duration {
	return time.Duration(c.commandTimeout.Load())
}

// SetCommandTimeout changes the default timeout for commands sent from now on.
// Non-positive values are ignored.
func (c *Client) SetCommandTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.commandTimeout.Store(int64(d))
	c.config.logger.Info("command timeout updated", "timeout", d)
}

// GenericCommand sends a command and unmarshals the response data into T.
// An absent or null data field yields a zero T.
func GenericCommand[T any](ctx context.Context, cli *Client, name string, params any, opts ...CallOption) (*T, error) {
	res, err := cli.SendCommand(ctx, name, params, opts...)
	if err != nil {
		return nil, err
	}
	var typed T
	if err := res.Decode(&typed); err != nil {
		return nil, fmt.Errorf("client: failed to unmarshal %q response data into %T: %w. Raw data: %s", name, typed, err, string(res.Data))
	}
	return &typed, nil
}

// Result is a successful command response.
type Result struct {
	CorrelationID string
	Message       string
	Data          json.RawMessage
}

// Decode unmarshals the response data into v. An absent or null data field
// leaves v untouched.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type callConfig struct {
	timeout time.Duration
}

// CallOption adjusts a single SendCommand call.
type CallOption func(*callConfig)

// WithTimeout overrides the default command timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(cc *callConfig) {
		if d > 0 {
			cc.timeout = d
		}
	}
}
