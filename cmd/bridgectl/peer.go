package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"

	"github.com/lightforgemedia/go-cmdbridge/internal/config"
	"github.com/lightforgemedia/go-cmdbridge/pkg/peer"
)

func peerCommand() *cli.Command {
	return &cli.Command{
		Name:  "peer",
		Usage: "serve a demo peer answering ping, echo, sleep and time",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address (peer.addr)",
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "websocket path (peer.path)",
			},
		},
		Action: runPeer,
	}
}

type sleepRequest struct {
	Millis int `json:"ms"`
}

type timeResponse struct {
	Now string `json:"now"`
}

// newDemoPeer registers the demo command set.
func newDemoPeer(logger *slog.Logger) *peer.Peer {
	p := peer.New(peer.WithLogger(logger))
	p.Handle("ping", func(context.Context, json.RawMessage) (*peer.Reply, error) {
		return &peer.Reply{Message: "pong"}, nil
	})
	p.Handle("echo", func(_ context.Context, params json.RawMessage) (*peer.Reply, error) {
		return &peer.Reply{Data: params}, nil
	})
	peer.HandleFunc(p, "sleep", func(ctx context.Context, req sleepRequest) (*sleepRequest, error) {
		if req.Millis < 0 {
			return nil, errors.New("ms must not be negative")
		}
		select {
		case <-time.After(time.Duration(req.Millis) * time.Millisecond):
			return &req, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	peer.HandleFunc(p, "time", func(context.Context, struct{}) (timeResponse, error) {
		return timeResponse{Now: time.Now().UTC().Format(time.RFC3339Nano)}, nil
	})
	return p
}

func runPeer(c *cli.Context) error {
	cfg, logger, err := appConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newDemoPeer(logger)
	if cfg.Bridge.Transport == config.TransportNATS {
		return servePeerNATS(ctx, p, cfg, logger)
	}

	addr, path := cfg.Peer.Addr, cfg.Peer.Path
	if c.IsSet("addr") {
		addr = c.String("addr")
	}
	if c.IsSet("path") {
		path = c.String("path")
	}
	mux := http.NewServeMux()
	mux.Handle(path, p.UpgradeHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("peer listening", "addr", addr, "path", path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("peer server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Warn("peer shutdown incomplete", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func servePeerNATS(ctx context.Context, p *peer.Peer, cfg *config.Config, logger *slog.Logger) error {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("bridgectl-peer"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	if _, err := p.ServeNATS(ctx, nc, cfg.NATS.CommandSubject); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("peer stopping", "handled", p.Handled())
	return nil
}
