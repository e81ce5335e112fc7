package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/lightforgemedia/go-cmdbridge/internal/config"
	"github.com/lightforgemedia/go-cmdbridge/internal/telemetry"
	"github.com/lightforgemedia/go-cmdbridge/pkg/client"
	"github.com/lightforgemedia/go-cmdbridge/pkg/filewatcher"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "keep a bridge connected, expose metrics and reload the command timeout on config changes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address for the Prometheus /metrics endpoint (metrics.addr)",
			},
			&cli.StringFlag{
				Name:  "probe-command",
				Usage: "command sent periodically to check the peer answers",
			},
			&cli.DurationFlag{
				Name:  "probe-interval",
				Usage: "interval between probe commands",
				Value: 30 * time.Second,
			},
		},
		Action: runWatch,
	}
}

func runWatch(c *cli.Context) error {
	cfg, logger, err := appConfig(c)
	if err != nil {
		return err
	}
	metricsAddr := cfg.Metrics.Addr
	if c.IsSet("metrics-addr") {
		metricsAddr = c.String("metrics-addr")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return err
	}

	bridge := newBridgeClient(cfg, logger, client.WithObserver(metrics))
	defer bridge.Close()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if loader := appLoader(c); loader != nil && loader.FilePath() != "" {
		fw, err := filewatcher.New([]string{loader.FilePath()},
			filewatcher.WithLogger(logger),
			filewatcher.OnChange(func(string) { reloadCommandTimeout(loader, bridge, logger) }),
		)
		if err != nil {
			return err
		}
		if err := fw.Start(); err != nil {
			return err
		}
		defer fw.Stop()
	}

	go func() {
		for sc := range bridge.Watch(ctx) {
			logger.Info("bridge state changed", "from", sc.From, "to", sc.To, "attempt", sc.Attempt, "error", sc.Err)
		}
	}()

	if err := bridge.Connect(ctx); err != nil {
		logger.Warn("initial connection failed, retrying in background", "error", err)
	}

	if name := c.String("probe-command"); name != "" {
		go probeLoop(ctx, bridge, name, c.Duration("probe-interval"), logger)
	}

	<-ctx.Done()
	logger.Info("shutting down", "stats", bridge.Stats())
	return nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// reloadCommandTimeout re-reads the configuration and applies the command
// timeout. Other settings need a restart.
func reloadCommandTimeout(loader *config.Loader, bridge *client.Client, logger *slog.Logger) {
	cfg, err := loader.Load()
	if err != nil {
		logger.Warn("ignoring invalid configuration change", "error", err)
		return
	}
	if cfg.Bridge.CommandTimeout != bridge.CommandTimeout() {
		bridge.SetCommandTimeout(cfg.Bridge.CommandTimeout)
	}
}

func probeLoop(ctx context.Context, bridge *client.Client, name string, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !bridge.IsConnected() {
			continue
		}
		if _, err := bridge.SendCommand(ctx, name, nil); err != nil {
			logger.Warn("probe failed", "command", name, "error", err)
		}
	}
}
