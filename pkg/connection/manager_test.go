package connection_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
	"github.com/lightforgemedia/go-cmdbridge/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, opts ...connection.Option) (*connection.Manager, *testutil.FakeDialer, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	d := testutil.NewFakeDialer()
	base := []connection.Option{
		connection.WithLogger(testutil.DefaultLogger),
		connection.WithClock(mock),
	}
	m := connection.New(d, append(base, opts...)...)
	t.Cleanup(func() {
		d.Unblock()
		m.Close()
	})
	return m, d, mock
}

func nextChange(t *testing.T, events <-chan connection.StateChange) connection.StateChange {
	t.Helper()
	select {
	case sc := <-events:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("no state change within 2s")
		return connection.StateChange{}
	}
}

// reasonRecorder collects disconnect handler reasons.
type reasonRecorder struct {
	mu      sync.Mutex
	reasons []error
}

func (r *reasonRecorder) record(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *reasonRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.reasons...)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", connection.Disconnected.String())
	assert.Equal(t, "connecting", connection.Connecting.String())
	assert.Equal(t, "connected", connection.Connected.String())
	assert.Equal(t, "closing", connection.Closing.String())
	assert.Equal(t, "state(42)", connection.State(42).String())
}

func TestConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, d, _ := newManager(t)
	events := m.Watch(ctx)
	assert.Equal(t, connection.Disconnected, m.State())

	require.NoError(t, m.Connect(ctx))
	assert.True(t, m.IsConnected())
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, connection.Stats{Attempts: 1, Connects: 1}, m.Stats())

	sc := nextChange(t, events)
	assert.Equal(t, connection.Disconnected, sc.From)
	assert.Equal(t, connection.Connecting, sc.To)
	sc = nextChange(t, events)
	assert.Equal(t, connection.Connecting, sc.From)
	assert.Equal(t, connection.Connected, sc.To)
	assert.EqualValues(t, 1, sc.Attempt)
}

func TestConnectIsNoOpWhenConnected(t *testing.T) {
	m, d, _ := newManager(t)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, d.Dials())
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	m, d, _ := newManager(t)
	d.Block()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Connect(context.Background())
		}()
	}
	testutil.Eventually(t, "connecting", time.Second, func() bool {
		return m.State() == connection.Connecting
	})
	d.Unblock()
	wg.Wait()

	testutil.Eventually(t, "connected", time.Second, m.IsConnected)
	assert.Equal(t, 1, d.Dials())
}

func TestSendRequiresConnected(t *testing.T) {
	m, d, _ := newManager(t)
	err := m.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Equal(t, 0, d.Dials())
}

func TestSendWritesToTransport(t *testing.T) {
	m, d, _ := newManager(t)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Send(context.Background(), []byte("hello")))
	assert.Equal(t, "hello", string(d.Last().NextSent(t, time.Second)))
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	m, d, mock := newManager(t, connection.WithReconnectDelay(5*time.Second))
	d.FailNext(errors.New("connection refused"), 1)

	err := m.Connect(context.Background())
	var connErr *connection.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "connect", connErr.Op)
	assert.Equal(t, "fake://peer", connErr.Addr)
	assert.EqualValues(t, 1, connErr.Attempt)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, connection.Disconnected, m.State())

	mock.Add(4999 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, connection.Disconnected, m.State())

	mock.Add(time.Millisecond)
	testutil.Eventually(t, "reconnected", time.Second, m.IsConnected)
	assert.Equal(t, 2, d.Dials())
}

func TestReconnectRetriesAtFixedDelay(t *testing.T) {
	m, d, mock := newManager(t, connection.WithReconnectDelay(time.Second))
	d.FailNext(errors.New("connection refused"), 3)

	require.Error(t, m.Connect(context.Background()))
	for attempt := uint64(2); attempt <= 3; attempt++ {
		mock.Add(time.Second)
		want := attempt
		testutil.Eventually(t, "failed reconnect", time.Second, func() bool {
			return m.Stats().Attempts == want && m.State() == connection.Disconnected
		})
	}

	mock.Add(time.Second)
	testutil.Eventually(t, "reconnected", time.Second, m.IsConnected)
	assert.Equal(t, connection.Stats{Attempts: 4, Connects: 1}, m.Stats())
	assert.Equal(t, 4, d.Dials())
}

func TestConnectionLostFailsAndReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &reasonRecorder{}
	m, d, mock := newManager(t, connection.WithDisconnectHandler(rec.record))
	require.NoError(t, m.Connect(ctx))
	first := d.Last()
	events := m.Watch(ctx)

	first.Fail(errors.New("reset by peer"))

	sc := nextChange(t, events)
	assert.Equal(t, connection.Connected, sc.From)
	assert.Equal(t, connection.Disconnected, sc.To)
	assert.ErrorContains(t, sc.Err, "reset by peer")

	assert.Equal(t, connection.Disconnected, m.State())
	reasons := rec.all()
	require.Len(t, reasons, 1)
	assert.ErrorIs(t, reasons[0], connection.ErrConnectionLost)
	assert.ErrorIs(t, m.Send(ctx, []byte("x")), connection.ErrNotConnected)
	testutil.Eventually(t, "old transport closed", time.Second, first.IsClosed)

	mock.Add(connection.DefaultReconnectDelay)
	testutil.Eventually(t, "reconnected", time.Second, m.IsConnected)
	assert.NotSame(t, first, d.Last())
	assert.Equal(t, connection.Stats{Attempts: 2, Connects: 2, Disconnects: 1}, m.Stats())
}

func TestWriteFailureDisconnects(t *testing.T) {
	rec := &reasonRecorder{}
	m, d, _ := newManager(t, connection.WithDisconnectHandler(rec.record))
	require.NoError(t, m.Connect(context.Background()))
	d.Last().SetSendError(errors.New("broken pipe"))

	err := m.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, connection.ErrNotConnected)
	assert.ErrorContains(t, err, "broken pipe")
	assert.Equal(t, connection.Disconnected, m.State())
	require.Len(t, rec.all(), 1)
}

func TestKeepalive(t *testing.T) {
	m, d, mock := newManager(t, connection.WithKeepaliveInterval(25*time.Second))
	require.NoError(t, m.Connect(context.Background()))
	ft := d.Last()

	mock.Add(25 * time.Second)
	testutil.Eventually(t, "first probe", time.Second, func() bool { return ft.Pings() == 1 })
	assert.True(t, m.IsConnected())

	ft.SetPingError(errors.New("pong timeout"))
	mock.Add(25 * time.Second)
	testutil.Eventually(t, "probe failure disconnects", time.Second, func() bool {
		return m.State() == connection.Disconnected
	})
	assert.EqualValues(t, 1, m.Stats().Disconnects)
}

func TestKeepaliveDisabled(t *testing.T) {
	m, d, mock := newManager(t, connection.WithKeepaliveInterval(0))
	require.NoError(t, m.Connect(context.Background()))

	mock.Add(time.Hour)
	assert.Equal(t, 0, d.Last().Pings())
	assert.True(t, m.IsConnected())
}

func TestMessageHandler(t *testing.T) {
	received := make(chan string, 2)
	m, d, _ := newManager(t, connection.WithMessageHandler(func(b []byte) {
		received <- string(b)
	}))
	require.NoError(t, m.Connect(context.Background()))

	d.Last().Deliver([]byte("a"))
	d.Last().Deliver([]byte("b"))
	for _, want := range []string{"a", "b"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("message %q not delivered", want)
		}
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	rec := &reasonRecorder{}
	m, d, mock := newManager(t, connection.WithDisconnectHandler(rec.record))
	require.NoError(t, m.Connect(context.Background()))
	ft := d.Last()

	require.NoError(t, m.Close())
	assert.Equal(t, connection.Disconnected, m.State())
	assert.True(t, ft.IsClosed())
	reasons := rec.all()
	require.Len(t, reasons, 1)
	assert.ErrorIs(t, reasons[0], connection.ErrClosing)

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, connection.Disconnected, m.State())

	require.NoError(t, m.Close())
	assert.Len(t, rec.all(), 1, "second Close must be a no-op")
	assert.ErrorIs(t, m.Send(context.Background(), []byte("x")), connection.ErrNotConnected)
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	m, d, mock := newManager(t)
	d.FailNext(errors.New("connection refused"), 1)
	require.Error(t, m.Connect(context.Background()))

	require.NoError(t, m.Close())
	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestCloseDuringDial(t *testing.T) {
	m, d, _ := newManager(t)
	d.Block()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background()) }()
	testutil.Eventually(t, "connecting", time.Second, func() bool {
		return m.State() == connection.Connecting
	})

	require.NoError(t, m.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, connection.ErrClosing)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Close")
	}
	assert.Equal(t, connection.Disconnected, m.State())
}

func TestConnectAfterClose(t *testing.T) {
	m, d, _ := newManager(t)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())
	assert.Equal(t, 2, d.Dials())
}

func TestStaleFailureIgnored(t *testing.T) {
	m, d, _ := newManager(t)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Connect(context.Background()))

	// The first connection's read loop exits after Close; its error belongs
	// to an old generation and must not tear down the new connection.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.IsConnected())
	assert.EqualValues(t, 1, m.Stats().Disconnects)
	assert.False(t, d.Last().IsClosed())
}

func TestWatchClosesOnCancel(t *testing.T) {
	m, _, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	events := m.Watch(ctx)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestClosedManagersLeaveNoGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 200; i++ {
		d := testutil.NewFakeDialer()
		m := connection.New(d,
			connection.WithLogger(testutil.DefaultLogger),
			connection.WithClock(clock.NewMock()))
		ctx, cancel := context.WithCancel(context.Background())
		events := m.Watch(ctx)
		require.NoError(t, m.Connect(context.Background()))
		require.NoError(t, m.Close())
		cancel()
		for range events {
		}
	}

	testutil.Eventually(t, "goroutines released", 2*time.Second, func() bool {
		return runtime.NumGoroutine() <= before+5
	})
}

func TestWaitForState(t *testing.T) {
	m, d, mock := newManager(t, connection.WithReconnectDelay(time.Second))
	d.FailNext(errors.New("connection refused"), 1)
	require.Error(t, m.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- m.WaitForState(ctx, connection.Connected)
	}()

	time.Sleep(20 * time.Millisecond)
	mock.Add(time.Second)
	require.NoError(t, <-done)
	assert.True(t, m.IsConnected())
}

func TestConnectionErrorMessage(t *testing.T) {
	err := &connection.ConnectionError{Op: "reconnect", Addr: "ws://peer", Attempt: 3, Err: errors.New("boom")}
	assert.Equal(t, "connection: reconnect to ws://peer failed (attempt 3): boom", err.Error())
	assert.ErrorContains(t, &connection.ConnectionError{Op: "connect", Attempt: 1, Err: errors.New("boom")}, "connect failed (attempt 1)")
}
