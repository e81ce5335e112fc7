// Package connection owns the lifecycle of a single duplex channel to the
// remote peer: connect, keepalive, failure detection and fixed-delay
// reconnection.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cskr/pubsub"
)

const stateTopic = "state"

// StateChange is published on every state transition.
type StateChange struct {
	From    State
	To      State
	Err     error // cause of the transition, if any
	Attempt uint64
	At      time.Time
}

// Stats are cumulative counters for the lifetime of a Manager.
type Stats struct {
	Attempts    uint64
	Connects    uint64
	Disconnects uint64
}

// Manager drives one logical connection. All state transitions happen under
// mu; the disconnect handler runs inside the same critical section as the
// transition out of Connected.
type Manager struct {
	dialer Dialer
	cfg    config
	addr   string

	mu             sync.Mutex
	events         *pubsub.PubSub // nil while nobody watches
	watchers       int
	state          State
	closed         bool   // explicit Close latch; cleared by Connect
	gen            uint64 // bumped per attempt and on Close
	transport      Transport
	connCancel     context.CancelFunc
	dialCancel     context.CancelFunc
	reconnectTimer *clock.Timer
	reconnectSeq   uint64 // identifies the current reconnectTimer
	stats          Stats
}

// New returns a Manager in the Disconnected state. Nothing is dialed until
// Connect is called.
func New(dialer Dialer, opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	m := &Manager{
		dialer: dialer,
		cfg:    cfg,
		state:  Disconnected,
	}
	if a, ok := dialer.(addresser); ok {
		m.addr = a.Addr()
	}
	return m
}

// Connect establishes the channel. It is a no-op unless the Manager is
// Disconnected. On failure it returns a *ConnectionError and a reconnect is
// scheduled after the reconnect delay.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	return m.attemptLocked(ctx, "connect")
}

// attemptLocked must be called with mu held; it releases it.
func (m *Manager) attemptLocked(ctx context.Context, op string) error {
	m.stopReconnectTimerLocked()
	m.gen++
	gen := m.gen
	m.stats.Attempts++
	attempt := m.stats.Attempts
	m.setStateLocked(Connecting, nil)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.dialTimeout)
	m.dialCancel = cancel
	m.mu.Unlock()

	m.cfg.logger.Debug("dialing peer", "addr", m.addr, "attempt", attempt)
	t, err := m.dialer.Dial(dialCtx)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return ErrClosing
	}
	m.dialCancel = nil

	if err != nil {
		m.setStateLocked(Disconnected, err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.cfg.logger.Warn("connection attempt failed",
			"addr", m.addr, "attempt", attempt, "error", err,
			"retry_in", m.cfg.reconnectDelay)
		return &ConnectionError{Op: op, Addr: m.addr, Attempt: attempt, Err: err}
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	m.transport = t
	m.connCancel = connCancel
	m.stats.Connects++
	m.setStateLocked(Connected, nil)
	go m.readLoop(connCtx, gen, t)
	if m.cfg.keepaliveInterval > 0 {
		go m.keepaliveLoop(connCtx, gen, t, m.cfg.clock.Ticker(m.cfg.keepaliveInterval))
	}
	m.mu.Unlock()

	m.cfg.logger.Info("connected", "addr", m.addr, "attempt", attempt)
	return nil
}

// reconnect is the callback of the reconnect timer scheduled as seq. A
// callback whose timer was stopped or replaced does nothing.
func (m *Manager) reconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.reconnectSeq || m.reconnectTimer == nil || m.state != Disconnected || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	// Failures are logged and rescheduled by attemptLocked.
	_ = m.attemptLocked(context.Background(), "reconnect")
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Receive(ctx)
		if err != nil {
			m.connectionFailed(gen, fmt.Errorf("read: %w", err))
			return
		}
		if m.cfg.onMessage != nil {
			m.cfg.onMessage(data)
		}
	}
}

func (m *Manager) keepaliveLoop(ctx context.Context, gen uint64, t Transport, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.pingTimeout)
			err := t.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.connectionFailed(gen, fmt.Errorf("keepalive: %w", err))
				return
			}
			m.cfg.logger.Debug("keepalive ok", "addr", m.addr)
		}
	}
}

// connectionFailed handles a read, write or probe failure of connection gen.
// Events from a connection that is no longer current are ignored.
func (m *Manager) connectionFailed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.transport = nil
	m.connCancel()
	m.connCancel = nil
	m.stats.Disconnects++
	m.setStateLocked(Disconnected, cause)
	if m.cfg.onDisconnect != nil {
		m.cfg.onDisconnect(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	}
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	_ = t.Close()
	m.cfg.logger.Warn("connection lost",
		"addr", m.addr, "error", cause, "retry_in", m.cfg.reconnectDelay)
}

// Send writes one message. It fails with ErrNotConnected in any state other
// than Connected. A write failure is treated as a connection failure.
// Cancelling ctx does not interrupt a write already in progress; writes are
// bounded by the write timeout instead.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t, gen := m.transport, m.gen
	m.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.writeTimeout)
	defer cancel()
	if err := t.Send(writeCtx, data); err != nil {
		m.connectionFailed(gen, fmt.Errorf("write: %w", err))
		return fmt.Errorf("connection: send: %w", err)
	}
	return nil
}

// Close tears the connection down and disables reconnection until the next
// Connect. Calling Close more than once is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closing || (m.state == Disconnected && m.closed) {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	m.stopReconnectTimerLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	t := m.transport
	m.transport = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if t != nil {
		m.stats.Disconnects++
	}
	m.setStateLocked(Closing, nil)
	if m.cfg.onDisconnect != nil {
		m.cfg.onDisconnect(ErrClosing)
	}
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			m.cfg.logger.Debug("error closing transport", "error", err)
		}
	}

	m.mu.Lock()
	m.setStateLocked(Disconnected, nil)
	m.mu.Unlock()

	m.cfg.logger.Info("connection closed", "addr", m.addr)
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether sends are currently permitted.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Stats returns a snapshot of the connection counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) setStateLocked(to State, cause error) {
	from := m.state
	m.state = to
	if from == to {
		return
	}
	m.cfg.logger.Debug("connection state changed", "from", from, "to", to)
	if m.events == nil {
		return
	}
	m.events.Pub(StateChange{
		From:    from,
		To:      to,
		Err:     cause,
		Attempt: m.stats.Attempts,
		At:      m.cfg.clock.Now(),
	}, stateTopic)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed {
		return
	}
	m.stopReconnectTimerLocked()
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = m.cfg.clock.AfterFunc(m.cfg.reconnectDelay, func() { m.reconnect(seq) })
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// Watch streams state changes until ctx is done. Changes are dropped, with a
// warning, when the receiver falls more than the state queue length behind.
func (m *Manager) Watch(ctx context.Context) <-chan StateChange {
	m.mu.Lock()
	if m.events == nil {
		m.events = pubsub.New(m.cfg.stateQueueLength)
	}
	events := m.events
	m.watchers++
	sub := events.Sub(stateTopic)
	m.mu.Unlock()

	out := make(chan StateChange, m.cfg.stateQueueLength)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				go events.Unsub(sub, stateTopic)
				for range sub {
				}
				m.releaseWatcher(events)
				return
			case v, ok := <-sub:
				if !ok {
					return
				}
				sc, ok := v.(StateChange)
				if !ok {
					continue
				}
				select {
				case out <- sc:
				default:
					m.cfg.logger.Warn("state watcher falling behind, dropping change",
						"from", sc.From, "to", sc.To)
				}
			}
		}
	}()
	return out
}

// releaseWatcher stops the event bus once its last watcher is gone.
func (m *Manager) releaseWatcher(events *pubsub.PubSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events != events {
		return
	}
	m.watchers--
	if m.watchers == 0 {
		events.Shutdown()
		m.events = nil
	}
}

// WaitForState blocks until the Manager reaches want or ctx is done.
func (m *Manager) WaitForState(ctx context.Context, want State) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes := m.Watch(watchCtx)
	if m.State() == want {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sc, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			if sc.To == want {
				return nil
			}
		}
	}
}
