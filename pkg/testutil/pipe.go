package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
)

// ErrTransportClosed is returned by a FakeTransport after Close.
var ErrTransportClosed = errors.New("testutil: transport closed")

// FakeTransport is an in-memory connection.Transport. The test plays the
// remote peer: Deliver pushes inbound messages, Sent/NextSent inspect what the
// bridge wrote, Fail breaks the channel.
type FakeTransport struct {
	inbound chan []byte
	sent    chan []byte
	failed  chan struct{}
	closed  chan struct{}

	mu        sync.Mutex
	failErr   error
	sendErr   error
	pingErr   error
	pings     int
	history   [][]byte
	closeOnce sync.Once
	failOnce  sync.Once
}

// NewFakeTransport returns an open FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		inbound: make(chan []byte, 256),
		sent:    make(chan []byte, 256),
		failed:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (f *FakeTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}
	f.mu.Lock()
	err := f.sendErr
	if err == nil {
		cp := append([]byte(nil), data...)
		f.history = append(f.history, cp)
		select {
		case f.sent <- cp:
		default:
		}
	}
	f.mu.Unlock()
	return err
}

func (f *FakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.failed:
		f.mu.Lock()
		defer f.mu.Unlock()
		return nil, f.failErr
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *FakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// Deliver queues an inbound message for the bridge.
func (f *FakeTransport) Deliver(data []byte) {
	f.inbound <- data
}

// Fail makes the pending or next Receive return err.
func (f *FakeTransport) Fail(err error) {
	f.failOnce.Do(func() {
		f.mu.Lock()
		f.failErr = err
		f.mu.Unlock()
		close(f.failed)
	})
}

// SetSendError makes every later Send fail with err.
func (f *FakeTransport) SetSendError(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// SetPingError makes every later Ping fail with err.
func (f *FakeTransport) SetPingError(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

// Pings returns how many probes were made.
func (f *FakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Sent returns a copy of every message written so far.
func (f *FakeTransport) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.history...)
}

// NextSent waits for the next written message.
func (f *FakeTransport) NextSent(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case data := <-f.sent:
		return data
	case <-time.After(timeout):
		t.Fatalf("no message sent within %v", timeout)
		return nil
	}
}

// IsClosed reports whether Close was called.
func (f *FakeTransport) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// FakeDialer hands out FakeTransports. Errors queued with FailNext are
// returned by the next dials, in order.
type FakeDialer struct {
	mu    sync.Mutex
	errs  []error
	dials int
	conns []*FakeTransport
	block chan struct{}
}

// NewFakeDialer returns a dialer whose dials succeed.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

func (d *FakeDialer) Dial(ctx context.Context) (connection.Transport, error) {
	d.mu.Lock()
	d.dials++
	block := d.block
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	ft := NewFakeTransport()
	d.mu.Lock()
	d.conns = append(d.conns, ft)
	d.mu.Unlock()
	return ft, nil
}

func (d *FakeDialer) Addr() string { return "fake://peer" }

// FailNext queues err for the next n dials.
func (d *FakeDialer) FailNext(err error, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.errs = append(d.errs, err)
	}
}

// Block makes dials wait until Unblock is called or their context ends.
func (d *FakeDialer) Block() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = make(chan struct{})
}

// Unblock releases dials held by Block.
func (d *FakeDialer) Unblock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
}

// Dials returns the number of Dial calls.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently established transport, or nil.
func (d *FakeDialer) Last() *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Transports returns every transport established so far.
func (d *FakeDialer) Transports() []*FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeTransport(nil), d.conns...)
}
