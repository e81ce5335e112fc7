package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-cmdbridge/pkg/client"
	"github.com/lightforgemedia/go-cmdbridge/pkg/connection"
	"github.com/lightforgemedia/go-cmdbridge/pkg/envelope"
	"github.com/lightforgemedia/go-cmdbridge/pkg/pending"
	"github.com/lightforgemedia/go-cmdbridge/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	res *client.Result
	err error
}

func newClient(t *testing.T, opts ...client.Option) (*client.Client, *testutil.FakeDialer, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	d := testutil.NewFakeDialer()
	base := []client.Option{
		client.WithLogger(testutil.DefaultLogger),
		client.WithClock(mock),
		client.WithKeepaliveInterval(0),
	}
	c := client.New(d, append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c, d, mock
}

func connectClient(t *testing.T, opts ...client.Option) (*client.Client, *testutil.FakeDialer, *clock.Mock) {
	t.Helper()
	c, d, mock := newClient(t, opts...)
	require.NoError(t, c.Connect(context.Background()))
	return c, d, mock
}

func sendAsync(c *client.Client, ctx context.Context, name string, params any, opts ...client.CallOption) <-chan result {
	ch := make(chan result, 1)
	go func() {
		res, err := c.SendCommand(ctx, name, params, opts...)
		ch <- result{res, err}
	}()
	return ch
}

func readCommand(t *testing.T, ft *testutil.FakeTransport) envelope.Command {
	t.Helper()
	var cmd envelope.Command
	require.NoError(t, json.Unmarshal(ft.NextSent(t, 2*time.Second), &cmd))
	return cmd
}

func reply(t *testing.T, ft *testutil.FakeTransport, resp envelope.Response) {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	ft.Deliver(data)
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("command did not complete within 2s")
		return result{}
	}
}

func assertBlocked(t *testing.T, ch <-chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("command completed early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

// recordingObserver collects observer callbacks.
type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []client.Outcome
	states    []connection.State
	protocol  int
	unmatched []string
	pending   []int
}

func (o *recordingObserver) CommandCompleted(_ string, outcome client.Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) PendingChanged(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, n)
}

func (o *recordingObserver) pendingSeen() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.pending...)
}

func (o *recordingObserver) StateChanged(_, to connection.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, to)
}

func (o *recordingObserver) ProtocolError(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.protocol++
}

func (o *recordingObserver) UnmatchedResponse(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unmatched = append(o.unmatched, id)
}

func (o *recordingObserver) snapshot() ([]client.Outcome, []connection.State, int, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]client.Outcome(nil), o.outcomes...),
		append([]connection.State(nil), o.states...),
		o.protocol,
		append([]string(nil), o.unmatched...)
}

func TestSendCommandSuccess(t *testing.T) {
	c, d, _ := connectClient(t)
	ft := d.Last()

	ch := sendAsync(c, context.Background(), "getState", map[string]any{"verbose": true})
	cmd := readCommand(t, ft)
	assert.Equal(t, "getState", cmd.Command)
	assert.JSONEq(t, `{"verbose":true}`, string(cmd.Parameters))
	require.NotEmpty(t, cmd.CorrelationID)
	assert.Equal(t, 1, c.Pending())

	reply(t, ft, envelope.Response{
		CorrelationID: cmd.CorrelationID,
		Success:       true,
		Message:       "ok",
		Data:          json.RawMessage(`{"x":1}`),
	})

	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "ok", r.res.Message)
	assert.Equal(t, cmd.CorrelationID, r.res.CorrelationID)
	var data struct{ X int }
	require.NoError(t, r.res.Decode(&data))
	assert.Equal(t, 1, data.X)
	assert.Equal(t, 0, c.Pending())
}

func TestNilParametersSentAsEmptyObject(t *testing.T) {
	c, d, _ := connectClient(t)
	sendAsync(c, context.Background(), "ping", nil)
	cmd := readCommand(t, d.Last())
	assert.JSONEq(t, `{}`, string(cmd.Parameters))
}

func TestOutOfOrderResponses(t *testing.T) {
	c, d, _ := connectClient(t)
	ft := d.Last()

	chA := sendAsync(c, context.Background(), "A", nil)
	chB := sendAsync(c, context.Background(), "B", nil)

	ids := map[string]string{}
	for i := 0; i < 2; i++ {
		cmd := readCommand(t, ft)
		ids[cmd.Command] = cmd.CorrelationID
	}
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids["A"], ids["B"])

	reply(t, ft, envelope.Response{CorrelationID: ids["B"], Success: true, Data: json.RawMessage(`"b"`)})
	rB := waitResult(t, chB)
	require.NoError(t, rB.err)
	assert.JSONEq(t, `"b"`, string(rB.res.Data))
	assertBlocked(t, chA)

	reply(t, ft, envelope.Response{CorrelationID: ids["A"], Success: true, Data: json.RawMessage(`"a"`)})
	rA := waitResult(t, chA)
	require.NoError(t, rA.err)
	assert.JSONEq(t, `"a"`, string(rA.res.Data))
}

func TestTimeout(t *testing.T) {
	obs := &recordingObserver{}
	c, d, mock := connectClient(t, client.WithObserver(obs))
	ft := d.Last()

	ch := sendAsync(c, context.Background(), "slow", nil, client.WithTimeout(100*time.Millisecond))
	cmd := readCommand(t, ft)

	mock.Add(99 * time.Millisecond)
	assertBlocked(t, ch)
	mock.Add(time.Millisecond)

	r := waitResult(t, ch)
	require.ErrorIs(t, r.err, pending.ErrTimeout)
	var te *pending.TimeoutError
	require.ErrorAs(t, r.err, &te)
	assert.Equal(t, cmd.CorrelationID, te.ID)
	assert.Equal(t, 100*time.Millisecond, te.Timeout)
	assert.Equal(t, 0, c.Pending())

	// The late response has nobody waiting for it.
	reply(t, ft, envelope.Response{CorrelationID: cmd.CorrelationID, Success: true})
	testutil.Eventually(t, "late response dropped", time.Second, func() bool {
		_, _, _, unmatched := obs.snapshot()
		return len(unmatched) == 1
	})
	outcomes, _, _, unmatched := obs.snapshot()
	assert.Equal(t, cmd.CorrelationID, unmatched[0])
	assert.Contains(t, outcomes, client.OutcomeTimeout)
	assert.True(t, c.IsConnected())
}

func TestDefaultCommandTimeout(t *testing.T) {
	c, d, mock := connectClient(t, client.WithDefaultCommandTimeout(time.Second))
	assert.Equal(t, time.Second, c.CommandTimeout())

	ch := sendAsync(c, context.Background(), "slow", nil)
	readCommand(t, d.Last())
	mock.Add(time.Second)
	assert.ErrorIs(t, waitResult(t, ch).err, pending.ErrTimeout)
}

func TestSetCommandTimeout(t *testing.T) {
	c, d, mock := connectClient(t)
	c.SetCommandTimeout(50 * time.Millisecond)
	c.SetCommandTimeout(-1)
	assert.Equal(t, 50*time.Millisecond, c.CommandTimeout())

	ch := sendAsync(c, context.Background(), "slow", nil)
	readCommand(t, d.Last())
	mock.Add(50 * time.Millisecond)
	assert.ErrorIs(t, waitResult(t, ch).err, pending.ErrTimeout)
}

func TestConnectionLostFailsAllAndReconnects(t *testing.T) {
	c, d, mock := connectClient(t)
	ft := d.Last()

	chans := make([]<-chan result, 3)
	for i := range chans {
		chans[i] = sendAsync(c, context.Background(), "cmd", nil)
	}
	for range chans {
		readCommand(t, ft)
	}
	assert.Equal(t, 3, c.Pending())

	ft.Fail(errors.New("connection reset"))

	for _, ch := range chans {
		r := waitResult(t, ch)
		require.ErrorIs(t, r.err, pending.ErrConnectionLost)
		assert.ErrorIs(t, r.err, connection.ErrConnectionLost)
	}
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, connection.Disconnected, c.State())

	_, err := c.SendCommand(context.Background(), "cmd", nil)
	assert.ErrorIs(t, err, connection.ErrNotConnected)

	mock.Add(connection.DefaultReconnectDelay)
	testutil.Eventually(t, "reconnected", time.Second, c.IsConnected)
	assert.Equal(t, 2, d.Dials())
}

func TestNotConnectedRegistersNothing(t *testing.T) {
	obs := &recordingObserver{}
	c, d, _ := newClient(t, client.WithObserver(obs))

	_, err := c.SendCommand(context.Background(), "cmd", nil)
	require.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 0, d.Dials())

	outcomes, _, _, _ := obs.snapshot()
	assert.Equal(t, []client.Outcome{client.OutcomeNotConnected}, outcomes)
}

func TestRemoteError(t *testing.T) {
	c, d, _ := connectClient(t)
	ft := d.Last()

	ch := sendAsync(c, context.Background(), "explode", nil)
	cmd := readCommand(t, ft)
	reply(t, ft, envelope.Response{CorrelationID: cmd.CorrelationID, Success: false, Error: "unknown command"})

	r := waitResult(t, ch)
	var remote *client.RemoteError
	require.ErrorAs(t, r.err, &remote)
	assert.Equal(t, "explode", remote.Command)
	assert.Equal(t, "unknown command", remote.Message)
	assert.Equal(t, cmd.CorrelationID, remote.CorrelationID)
	assert.Nil(t, r.res)
}

func TestRemoteErrorFallsBackToMessage(t *testing.T) {
	c, d, _ := connectClient(t)
	ft := d.Last()

	ch := sendAsync(c, context.Background(), "explode", nil)
	cmd := readCommand(t, ft)
	reply(t, ft, envelope.Response{CorrelationID: cmd.CorrelationID, Message: "disk full"})

	var remote *client.RemoteError
	require.ErrorAs(t, waitResult(t, ch).err, &remote)
	assert.Equal(t, "disk full", remote.Message)
}

func TestMalformedAndUnknownResponsesDropped(t *testing.T) {
	obs := &recordingObserver{}
	c, d, _ := connectClient(t, client.WithObserver(obs))
	ft := d.Last()

	ch := sendAsync(c, context.Background(), "cmd", nil)
	cmd := readCommand(t, ft)

	ft.Deliver([]byte("not json"))
	ft.Deliver([]byte(`{"success":true}`))
	reply(t, ft, envelope.Response{CorrelationID: "someone-else", Success: true})
	assertBlocked(t, ch)

	reply(t, ft, envelope.Response{CorrelationID: cmd.CorrelationID, Success: true})
	require.NoError(t, waitResult(t, ch).err)

	_, _, protocol, unmatched := obs.snapshot()
	assert.Equal(t, 2, protocol)
	assert.Equal(t, []string{"someone-else"}, unmatched)
	assert.True(t, c.IsConnected())
}

func TestDuplicateResponseIgnored(t *testing.T) {
	c, d, _ := connectClient(t)
	ft := d.Last()

	ch := sendAsync(c, context.Background(), "cmd", nil)
	cmd := readCommand(t, ft)
	reply(t, ft, envelope.Response{CorrelationID: cmd.CorrelationID, Success: true, Message: "first"})
	reply(t, ft, envelope.Response{CorrelationID: cmd.CorrelationID, Success: true, Message: "second"})

	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "first", r.res.Message)
}

func TestCloseFailsPending(t *testing.T) {
	c, d, mock := connectClient(t)
	ch := sendAsync(c, context.Background(), "cmd", nil)
	readCommand(t, d.Last())

	require.NoError(t, c.Close())
	r := waitResult(t, ch)
	require.ErrorIs(t, r.err, pending.ErrConnectionLost)
	assert.ErrorIs(t, r.err, connection.ErrClosing)

	require.NoError(t, c.Close())
	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, connection.Disconnected, c.State())
}

func TestContextCancelled(t *testing.T) {
	c, d, _ := connectClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := sendAsync(c, ctx, "cmd", nil)
	cmd := readCommand(t, d.Last())
	cancel()

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, c.Pending())

	// A response arriving afterwards is simply dropped.
	reply(t, d.Last(), envelope.Response{CorrelationID: cmd.CorrelationID, Success: true})
	assert.True(t, c.IsConnected())
}

func TestSendFailureIsConnectionLoss(t *testing.T) {
	c, d, _ := connectClient(t)
	d.Last().SetSendError(errors.New("broken pipe"))

	_, err := c.SendCommand(context.Background(), "cmd", nil)
	require.ErrorIs(t, err, pending.ErrConnectionLost)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, connection.Disconnected, c.State())
}

func TestInvalidParameters(t *testing.T) {
	c, _, _ := connectClient(t)
	_, err := c.SendCommand(context.Background(), "cmd", "not an object")
	assert.ErrorIs(t, err, envelope.ErrInvalidParameters)
	assert.Equal(t, 0, c.Pending())
}

func TestGenericCommand(t *testing.T) {
	type state struct {
		Mode  string `json:"mode"`
		Level int    `json:"level"`
	}
	c, d, _ := connectClient(t)
	ft := d.Last()

	done := make(chan struct{})
	var got *state
	var err error
	go func() {
		defer close(done)
		got, err = client.GenericCommand[state](context.Background(), c, "getState", nil)
	}()
	cmd := readCommand(t, ft)
	reply(t, ft, envelope.Response{
		CorrelationID: cmd.CorrelationID,
		Success:       true,
		Data:          json.RawMessage(`{"mode":"auto","level":3}`),
	})
	<-done

	require.NoError(t, err)
	assert.Equal(t, &state{Mode: "auto", Level: 3}, got)
}

func TestGenericCommandBadData(t *testing.T) {
	c, d, _ := connectClient(t)
	ft := d.Last()

	done := make(chan error, 1)
	go func() {
		_, err := client.GenericCommand[int](context.Background(), c, "getState", nil)
		done <- err
	}()
	cmd := readCommand(t, ft)
	reply(t, ft, envelope.Response{CorrelationID: cmd.CorrelationID, Success: true, Data: json.RawMessage(`"nope"`)})

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal")
}

func TestRateLimit(t *testing.T) {
	c, d, _ := connectClient(t, client.WithRateLimit(0.001, 1))

	sendAsync(c, context.Background(), "first", nil)
	readCommand(t, d.Last())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SendCommand(ctx, "second", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, c.Pending())
}

func TestDisconnectedFailsFastUnderRateLimit(t *testing.T) {
	obs := &recordingObserver{}
	c, d, _ := newClient(t, client.WithRateLimit(0.5, 1), client.WithObserver(obs))

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		start := time.Now()
		_, err := c.SendCommand(ctx, "ping", nil)
		cancel()
		require.ErrorIs(t, err, connection.ErrNotConnected)
		assert.Less(t, time.Since(start), 250*time.Millisecond)
	}

	outcomes, _, _, _ := obs.snapshot()
	assert.Equal(t, []client.Outcome{client.OutcomeNotConnected, client.OutcomeNotConnected}, outcomes)
	assert.Equal(t, 0, d.Dials())
}

func TestPendingGaugeReturnsToZero(t *testing.T) {
	obs := &recordingObserver{}
	c, d, mock := connectClient(t, client.WithObserver(obs))

	timedOut := sendAsync(c, context.Background(), "slow", nil, client.WithTimeout(time.Second))
	readCommand(t, d.Last())
	failed := sendAsync(c, context.Background(), "lost", nil)
	readCommand(t, d.Last())

	mock.Add(time.Second)
	require.ErrorIs(t, waitResult(t, timedOut).err, pending.ErrTimeout)

	d.Last().Fail(errors.New("gone"))
	require.Error(t, waitResult(t, failed).err)

	assert.Equal(t, []int{1, 2, 1, 0}, obs.pendingSeen())
	assert.Equal(t, 0, c.Pending())
}

func TestObserverSeesStateChanges(t *testing.T) {
	obs := &recordingObserver{}
	c, _, _ := newClient(t, client.WithObserver(obs))
	require.NoError(t, c.Connect(context.Background()))

	testutil.Eventually(t, "connected observed", time.Second, func() bool {
		_, states, _, _ := obs.snapshot()
		return len(states) == 2
	})
	_, states, _, _ := obs.snapshot()
	assert.Equal(t, []connection.State{connection.Connecting, connection.Connected}, states)
}

func TestDialWebsocketPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			var cmd envelope.Command
			if err := wsjson.Read(r.Context(), conn, &cmd); err != nil {
				return
			}
			resp := envelope.Response{CorrelationID: cmd.CorrelationID, Success: true, Message: cmd.Command, Data: cmd.Parameters}
			if err := wsjson.Write(r.Context(), conn, resp); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o := client.DefaultOptions()
	o.Logger = testutil.DefaultLogger
	o.CommandTimeout = 2 * time.Second
	c, err := client.ConnectWithOptions(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), o)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.SendCommand(ctx, "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, "echo", res.Message)
	assert.JSONEq(t, `{"hello":"world"}`, string(res.Data))
}

func TestDialFailureReturnsClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, "ws://127.0.0.1:1/ws",
		client.WithLogger(testutil.DefaultLogger),
		client.WithClock(clock.NewMock()))
	require.Error(t, err)
	require.NotNil(t, c)
	defer c.Close()

	var connErr *connection.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ws://127.0.0.1:1/ws", connErr.Addr)
	assert.Equal(t, connection.Disconnected, c.State())
}

func TestMockPeerOutOfOrderAndReconnect(t *testing.T) {
	mp := testutil.NewMockPeer(t)
	c := testutil.NewTestClient(t, mp.WsURL)

	ctx := context.Background()
	first := sendAsync(c, ctx, "first", nil)
	cmdA, ok := mp.NextCommand(2 * time.Second)
	require.True(t, ok)
	second := sendAsync(c, ctx, "second", nil)
	cmdB, ok := mp.NextCommand(2 * time.Second)
	require.True(t, ok)

	require.NoError(t, mp.Send(envelope.Response{CorrelationID: cmdB.CorrelationID, Success: true, Message: "b"}))
	rb := waitResult(t, second)
	require.NoError(t, rb.err)
	assert.Equal(t, "b", rb.res.Message)
	assertBlocked(t, first)

	require.NoError(t, mp.Send(envelope.Response{CorrelationID: cmdA.CorrelationID, Success: true, Message: "a"}))
	ra := waitResult(t, first)
	require.NoError(t, ra.err)
	assert.Equal(t, "a", ra.res.Message)

	lost := sendAsync(c, ctx, "lost", nil)
	_, ok = mp.NextCommand(2 * time.Second)
	require.True(t, ok)
	mp.CloseCurrentConnection()

	rl := waitResult(t, lost)
	assert.ErrorIs(t, rl.err, pending.ErrConnectionLost)

	testutil.Eventually(t, "client reconnects", 3*time.Second, func() bool {
		return c.IsConnected() && mp.Accepts() == 2
	})
	assert.Equal(t, 0, c.Pending())
}
