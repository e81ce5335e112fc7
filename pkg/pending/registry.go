// Package pending tracks in-flight requests by correlation id and guarantees
// that each one is completed exactly once.
//
// Every entry can be completed by a matched response (Resolve), its timer
// (timeout), a bulk failure (FailAll) or a local failure (Reject). Whichever
// of those removes the entry from the map first delivers the outcome; the
// others find nothing and do nothing.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lightforgemedia/go-cmdbridge/pkg/envelope"
)

// Outcome is the single result delivered to a pending request. Exactly one of
// Response and Err is set.
type Outcome struct {
	Response *envelope.Response
	Err      error
}

type entry struct {
	id       string
	deadline time.Time
	timeout  time.Duration
	timer    *clock.Timer
	done     chan Outcome
}

// Pending is the caller's handle on a registered request.
type Pending struct {
	reg *Registry
	e   *entry
}

// ID returns the correlation id to embed in the outgoing envelope.
func (p *Pending) ID() string { return p.e.id }

// Deadline returns when the request times out.
func (p *Pending) Deadline() time.Time { return p.e.deadline }

// Done delivers the outcome once. The channel is never closed.
func (p *Pending) Done() <-chan Outcome { return p.e.done }

// Wait blocks until the request resolves. If ctx ends first the request is
// rejected with ctx.Err(), unless another resolution got there first, in which
// case that outcome is returned instead.
func (p *Pending) Wait(ctx context.Context) Outcome {
	select {
	case o := <-p.e.done:
		return o
	case <-ctx.Done():
		p.reg.Reject(p.e.id, ctx.Err())
		return <-p.e.done
	}
}

// Registry is the single source of truth for what is still awaited.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	clock    clock.Clock
	logger   *slog.Logger
	newID    func() string
	onChange func(n int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for deadlines and timers.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIDGenerator replaces envelope.GenerateID.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithSizeObserver registers fn to receive the number of pending requests
// after every change. fn runs with the registry locked, so successive calls
// are ordered; it must not call back into the Registry.
func WithSizeObserver(fn func(n int)) Option {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		clock:   clock.New(),
		logger:  slog.Default(),
		newID:   envelope.GenerateID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register allocates a fresh id and starts the request's timer.
func (r *Registry) Register(timeout time.Duration) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for _, taken := r.entries[id]; taken; _, taken = r.entries[id] {
		r.logger.Warn("correlation id collision, drawing another", "correlation_id", id)
		id = r.newID()
	}

	e := &entry{
		id:       id,
		deadline: r.clock.Now().Add(timeout),
		timeout:  timeout,
		done:     make(chan Outcome, 1),
	}
	r.entries[id] = e
	r.changedLocked()
	// The timer is armed under the lock so expire cannot run before the
	// entry has its timer set.
	e.timer = r.clock.AfterFunc(timeout, func() { r.expire(e) })
	return &Pending{reg: r, e: e}
}

// Resolve completes the request with the peer's response. It reports whether
// a pending request was found; unknown, duplicate and late ids are dropped.
func (r *Registry) Resolve(id string, resp *envelope.Response) bool {
	e := r.take(id)
	if e == nil {
		r.logger.Debug("dropping response for unknown correlation id", "correlation_id", id)
		return false
	}
	e.timer.Stop()
	e.done <- Outcome{Response: resp}
	return true
}

// Reject completes the request with a local error, for example a failed send.
func (r *Registry) Reject(id string, err error) bool {
	e := r.take(id)
	if e == nil {
		return false
	}
	e.timer.Stop()
	e.done <- Outcome{Err: err}
	return true
}

// FailAll completes every pending request with a ConnectionLostError carrying
// reason and leaves the registry empty. It returns how many were failed.
func (r *Registry) FailAll(reason error) int {
	r.mu.Lock()
	failed := r.entries
	r.entries = make(map[string]*entry)
	if len(failed) > 0 {
		r.changedLocked()
	}
	r.mu.Unlock()

	for _, e := range failed {
		e.timer.Stop()
		e.done <- Outcome{Err: &ConnectionLostError{Reason: reason}}
	}
	if len(failed) > 0 {
		r.logger.Info("failed all pending requests", "count", len(failed), "reason", reason)
	}
	return len(failed)
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Contains reports whether id is still pending.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) expire(e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[e.id]; !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.id)
	r.changedLocked()
	r.mu.Unlock()

	r.logger.Debug("request timed out", "correlation_id", e.id, "timeout", e.timeout)
	e.done <- Outcome{Err: &TimeoutError{ID: e.id, Timeout: e.timeout}}
}

func (r *Registry) take(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	r.changedLocked()
	return e
}

func (r *Registry) changedLocked() {
	if r.onChange != nil {
		r.onChange(len(r.entries))
	}
}
