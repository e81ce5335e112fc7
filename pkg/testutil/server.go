package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-cmdbridge/pkg/peer"
)

// PeerServer combines a peer and its HTTP server for testing.
type PeerServer struct {
	*peer.Peer
	HTTP  *httptest.Server
	WSURL string
}

// NewPeerServer creates a new peer and httptest.Server for testing.
func NewPeerServer(t *testing.T, opts ...peer.Option) *PeerServer {
	t.Helper()

	finalOpts := append([]peer.Option{peer.WithLogger(DefaultLogger)}, opts...)
	p := peer.New(finalOpts...)
	srv := httptest.NewServer(p.UpgradeHandler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
		srv.Close()
	})

	return &PeerServer{Peer: p, HTTP: srv, WSURL: wsURL}
}
