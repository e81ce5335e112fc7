// Package natstransport carries bridge messages over NATS. Commands are
// published on a command subject with a per-connection reply subject; the
// peer answers each command on its reply subject.
package natstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultCommandSubject is the subject commands are published on.
	DefaultCommandSubject = "cmdbridge.commands"
	// DefaultResponsePrefix prefixes the generated per-connection reply subject.
	DefaultResponsePrefix = "cmdbridge.responses"
	defaultBufferSize     = 256
)

// ErrClosed is returned by Receive after the connection to the NATS server
// closes without a more specific error.
var ErrClosed = errors.New("natstransport: connection closed")

// Options contains configuration options for the NATS transport.
type Options struct {
	// URL is the NATS server URL.
	URL string
	// CommandSubject is the subject commands are published on.
	CommandSubject string
	// ResponseSubject is where the peer sends responses. If empty, a unique
	// subject under DefaultResponsePrefix is generated per connection.
	ResponseSubject string
	// BufferSize bounds inbound responses not yet read. When it is full the
	// NATS client drops further responses as a slow consumer and the
	// commands waiting on them end in a timeout. Size it for the largest
	// burst of in-flight commands.
	BufferSize int
	// Logger receives asynchronous NATS errors such as slow-consumer drops.
	Logger *slog.Logger
	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
}

// Dialer connects to a NATS server. Each Dial opens a fresh NATS connection
// with the client library's own reconnect logic disabled; reconnection is
// owned by the connection manager.
type Dialer struct {
	opts Options
}

var _ connection.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer, filling defaults for empty options.
func NewDialer(opts Options) *Dialer {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.CommandSubject == "" {
		opts.CommandSubject = DefaultCommandSubject
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dialer{opts: opts}
}

// Addr returns the NATS server URL.
func (d *Dialer) Addr() string { return d.opts.URL }

func (d *Dialer) Dial(ctx context.Context) (connection.Transport, error) {
	t := &Transport{
		inbox:       make(chan *nats.Msg, d.opts.BufferSize),
		lost:        make(chan struct{}),
		cmdSubject:  d.opts.CommandSubject,
		respSubject: d.opts.ResponseSubject,
	}
	if t.respSubject == "" {
		t.respSubject = DefaultResponsePrefix + "." + uuid.NewString()
	}

	natsOpts := []nats.Option{
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.markLost(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.markLost(ErrClosed)
		}),
		nats.ErrorHandler(asyncErrorHandler(d.opts.Logger, d.opts.BufferSize)),
	}
	if deadline, ok := ctx.Deadline(); ok {
		natsOpts = append(natsOpts, nats.Timeout(time.Until(deadline)))
	}
	natsOpts = append(natsOpts, d.opts.ConnectionOptions...)

	nc, err := nats.Connect(d.opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", d.opts.URL, err)
	}
	sub, err := nc.ChanSubscribe(t.respSubject, t.inbox)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.respSubject, err)
	}
	flushCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	if err := nc.FlushWithContext(flushCtx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to register subscription: %w", err)
	}
	t.nc = nc
	t.sub = sub
	return t, nil
}

// asyncErrorHandler logs errors the NATS client reports outside any call.
func asyncErrorHandler(logger *slog.Logger, bufferSize int) nats.ErrHandler {
	return func(_ *nats.Conn, sub *nats.Subscription, err error) {
		subject := ""
		if sub != nil {
			subject = sub.Subject
		}
		if errors.Is(err, nats.ErrSlowConsumer) {
			logger.Warn("nats slow consumer, responses dropped",
				"subject", subject, "buffer_size", bufferSize, "error", err)
			return
		}
		logger.Warn("nats async error", "subject", subject, "error", err)
	}
}

// Transport is one NATS connection plus its response subscription.
type Transport struct {
	nc          *nats.Conn
	sub         *nats.Subscription
	inbox       chan *nats.Msg
	cmdSubject  string
	respSubject string

	lostOnce sync.Once
	lost     chan struct{}
	lostMu   sync.Mutex
	lostErr  error
}

var _ connection.Transport = (*Transport)(nil)

func (t *Transport) markLost(err error) {
	if err == nil {
		err = ErrClosed
	}
	t.lostOnce.Do(func() {
		t.lostMu.Lock()
		t.lostErr = err
		t.lostMu.Unlock()
		close(t.lost)
	})
}

// ResponseSubject returns the subject this transport receives responses on.
func (t *Transport) ResponseSubject() string { return t.respSubject }

func (t *Transport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.nc.PublishMsg(&nats.Msg{
		Subject: t.cmdSubject,
		Reply:   t.respSubject,
		Data:    data,
	})
}

func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.inbox:
		return msg.Data, nil
	case <-t.lost:
		t.lostMu.Lock()
		defer t.lostMu.Unlock()
		return nil, t.lostErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping round-trips to the NATS server. ctx must carry a deadline.
func (t *Transport) Ping(ctx context.Context) error {
	return t.nc.FlushWithContext(ctx)
}

func (t *Transport) Close() error {
	if err := t.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		t.nc.Close()
		return err
	}
	t.nc.Close()
	return nil
}
