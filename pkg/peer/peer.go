// Package peer is a reference responder for the command bridge. It accepts
// websocket connections (or a NATS subscription), runs the handler registered
// for each command and answers with the command's correlation id.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-cmdbridge/pkg/envelope"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

type peerConfig struct {
	logger        *slog.Logger
	acceptOptions *websocket.AcceptOptions
	sendBuffer    int
	writeTimeout  time.Duration
}

// Peer dispatches commands to registered handlers.
type Peer struct {
	config peerConfig
	codec  envelope.JSONCodec

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	connsMu sync.Mutex
	conns   map[*peerConn]struct{}

	handled atomic.Uint64

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// Option configures the Peer.
type Option func(*Peer)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Peer) {
		if logger != nil {
			p.config.logger = logger
		}
	}
}

// WithAcceptOptions sets custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(p *Peer) {
		p.config.acceptOptions = opts
	}
}

// WithSendBuffer sets the per-connection outbound queue length.
func WithSendBuffer(size int) Option {
	return func(p *Peer) {
		if size > 0 {
			p.config.sendBuffer = size
		}
	}
}

// WithWriteTimeout bounds a single response write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(p *Peer) {
		if timeout > 0 {
			p.config.writeTimeout = timeout
		}
	}
}

// New creates a Peer with no handlers.
func New(opts ...Option) *Peer {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	p := &Peer{
		config: peerConfig{
			logger:       slog.Default(),
			sendBuffer:   defaultSendBuffer,
			writeTimeout: defaultWriteTimeout,
		},
		handlers:     make(map[string]HandlerFunc),
		conns:        make(map[*peerConn]struct{}),
		shutdownChan: make(chan struct{}),
		mainCtx:      mainCtx,
		mainCancel:   mainCancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.config.acceptOptions == nil {
		p.config.acceptOptions = &websocket.AcceptOptions{}
	}
	return p
}

// Handle registers fn for the named command, replacing any earlier handler.
func (p *Peer) Handle(name string, fn HandlerFunc) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[name] = fn
}

// UpgradeHandler returns an http.HandlerFunc to handle WebSocket upgrade requests.
func (p *Peer) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-p.shutdownChan:
			http.Error(w, "peer is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		conn, err := websocket.Accept(w, r, p.config.acceptOptions)
		if err != nil {
			p.config.logger.Info("failed to accept websocket connection", "error", err)
			return
		}

		ctx, cancel := context.WithCancel(p.mainCtx)
		pc := &peerConn{
			peer:   p,
			conn:   conn,
			send:   make(chan []byte, p.config.sendBuffer),
			ctx:    ctx,
			cancel: cancel,
			remote: r.RemoteAddr,
		}
		p.addConn(pc)
		p.config.logger.Info("bridge connected", "remote", pc.remote)

		go pc.writePump()
		go pc.readPump()
	}
}

// Dispatch decodes one command, runs its handler and encodes the response.
// ok is false when the input carried no usable correlation id, in which case
// nothing must be sent back.
func (p *Peer) Dispatch(ctx context.Context, data []byte) (out []byte, ok bool) {
	cmd, err := p.codec.DecodeCommand(data)
	if err != nil {
		p.config.logger.Warn("dropping undecodable command", "error", err)
		return nil, false
	}
	resp := p.execute(ctx, cmd)
	out, err = p.codec.EncodeResponse(resp)
	if err != nil {
		p.config.logger.Error("failed to encode response", "correlation_id", cmd.CorrelationID, "error", err)
		out, _ = p.codec.EncodeResponse(&envelope.Response{
			CorrelationID: cmd.CorrelationID,
			Error:         "peer failed to encode response",
		})
	}
	return out, true
}

func (p *Peer) execute(ctx context.Context, cmd *envelope.Command) *envelope.Response {
	p.handled.Add(1)
	log := p.config.logger.With("command", cmd.Command, "correlation_id", cmd.CorrelationID)

	p.handlersMu.RLock()
	fn, found := p.handlers[cmd.Command]
	p.handlersMu.RUnlock()
	if !found {
		log.Info("no handler for command")
		return &envelope.Response{
			CorrelationID: cmd.CorrelationID,
			Error:         fmt.Sprintf("unknown command %q", cmd.Command),
		}
	}

	reply, err := safeCall(ctx, fn, cmd.Parameters)
	if err != nil {
		log.Info("handler returned error", "error", err)
		return &envelope.Response{CorrelationID: cmd.CorrelationID, Error: err.Error()}
	}

	resp := &envelope.Response{CorrelationID: cmd.CorrelationID, Success: true}
	if reply != nil {
		resp.Message = reply.Message
		if reply.Data != nil {
			data, err := json.Marshal(reply.Data)
			if err != nil {
				log.Error("failed to marshal reply data", "error", err)
				return &envelope.Response{CorrelationID: cmd.CorrelationID, Error: "invalid reply data: " + err.Error()}
			}
			resp.Data = data
		}
	}
	return resp
}

func safeCall(ctx context.Context, fn HandlerFunc, params json.RawMessage) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, params)
}

// Handled returns how many commands were dispatched to the handler table.
func (p *Peer) Handled() uint64 { return p.handled.Load() }

// Connections returns the number of open websocket connections.
func (p *Peer) Connections() int {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	return len(p.conns)
}

// DropConnections abruptly closes every open websocket connection, without a
// close handshake, and returns how many were dropped.
func (p *Peer) DropConnections() int {
	p.connsMu.Lock()
	conns := make([]*peerConn, 0, len(p.conns))
	for pc := range p.conns {
		conns = append(conns, pc)
	}
	p.connsMu.Unlock()

	for _, pc := range conns {
		pc.conn.CloseNow()
		p.removeConn(pc)
	}
	return len(conns)
}

func (p *Peer) addConn(pc *peerConn) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	p.conns[pc] = struct{}{}
}

func (p *Peer) removeConn(pc *peerConn) {
	pc.cancel()
	p.connsMu.Lock()
	if _, exists := p.conns[pc]; !exists {
		p.connsMu.Unlock()
		return
	}
	delete(p.conns, pc)
	p.connsMu.Unlock()
	p.config.logger.Info("bridge disconnected", "remote", pc.remote)
}

// Shutdown stops accepting connections and closes the open ones.
func (p *Peer) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		close(p.shutdownChan)
		p.mainCancel()
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.Connections() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(errors.New("peer shutdown timed out"), ctx.Err())
		case <-ticker.C:
		}
	}
}
