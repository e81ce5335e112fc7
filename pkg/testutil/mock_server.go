package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-cmdbridge/pkg/envelope"
)

// MockPeer is a websocket peer under full control of the test: every command
// it receives is delivered on Commands, and responses are sent explicitly
// with Send, in whatever order the test chooses.
type MockPeer struct {
	T        *testing.T
	Server   *httptest.Server
	WsURL    string
	Commands chan envelope.Command

	connMu  sync.Mutex
	conn    *websocket.Conn
	accepts int
}

// NewMockPeer creates a new mock peer for testing bridges.
func NewMockPeer(t *testing.T) *MockPeer {
	t.Helper()
	mp := &MockPeer{T: t, Commands: make(chan envelope.Command, 64)}

	mp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsconn, err := websocket.Accept(w, r, nil)
		if err != nil {
			mp.T.Logf("MockPeer: Accept error: %v", err)
			return
		}

		mp.connMu.Lock()
		mp.conn = wsconn
		mp.accepts++
		mp.connMu.Unlock()

		go func() {
			for {
				var cmd envelope.Command
				if err := wsjson.Read(context.Background(), wsconn, &cmd); err != nil {
					return
				}
				mp.Commands <- cmd
			}
		}()
	}))
	mp.WsURL = "ws" + mp.Server.URL[4:]

	t.Cleanup(mp.Close)
	return mp
}

// Send writes a response to the current connection.
func (mp *MockPeer) Send(resp envelope.Response) error {
	mp.connMu.Lock()
	conn := mp.conn
	mp.connMu.Unlock()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, resp)
}

// NextCommand waits for the next command received.
func (mp *MockPeer) NextCommand(timeout time.Duration) (envelope.Command, bool) {
	select {
	case cmd := <-mp.Commands:
		return cmd, true
	case <-time.After(timeout):
		return envelope.Command{}, false
	}
}

// Accepts returns how many connections were accepted.
func (mp *MockPeer) Accepts() int {
	mp.connMu.Lock()
	defer mp.connMu.Unlock()
	return mp.accepts
}

// CloseCurrentConnection abruptly closes the current connection.
func (mp *MockPeer) CloseCurrentConnection() {
	mp.connMu.Lock()
	defer mp.connMu.Unlock()
	if mp.conn != nil {
		mp.conn.CloseNow()
		mp.conn = nil
	}
}

// Close closes the mock peer.
func (mp *MockPeer) Close() {
	mp.CloseCurrentConnection()
	if mp.Server != nil {
		mp.Server.Close()
	}
}
