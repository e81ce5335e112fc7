package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/lightforgemedia/go-cmdbridge/internal/config"
	"github.com/lightforgemedia/go-cmdbridge/internal/telemetry"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

const (
	metaConfig = "config"
	metaLoader = "loader"
	metaLogger = "logger"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "bridgectl",
		Usage:   "send commands over a correlation-id command bridge",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			sendCommand(),
			watchCommand(),
			peerCommand(),
		},
		Before: setup,
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{"CMDBRIDGE_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "url",
			Aliases: []string{"u"},
			Usage:   "peer websocket URL (bridge.url)",
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "websocket or nats (bridge.transport)",
		},
		&cli.StringFlag{
			Name:  "nats-url",
			Usage: "NATS server URL (nats.url)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error (log.level)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "text or json (log.format)",
		},
	}
}

// flagKeys maps global flags onto configuration keys.
var flagKeys = map[string]string{
	"url":        "bridge.url",
	"transport":  "bridge.transport",
	"nats-url":   "nats.url",
	"log-level":  "log.level",
	"log-format": "log.format",
}

func setup(c *cli.Context) error {
	opts := []config.Option{config.WithFile(c.String("config"))}
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			opts = append(opts, config.WithOverride(key, c.String(flag)))
		}
	}
	loader := config.NewLoader(opts...)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(c.App.ErrWriter, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	c.App.Metadata[metaConfig] = cfg
	c.App.Metadata[metaLoader] = loader
	c.App.Metadata[metaLogger] = logger
	return nil
}

func appConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, ok := c.App.Metadata[metaConfig].(*config.Config)
	if !ok {
		return nil, nil, errors.New("configuration not loaded")
	}
	logger, ok := c.App.Metadata[metaLogger].(*slog.Logger)
	if !ok {
		logger = slog.Default()
	}
	return cfg, logger, nil
}

func appLoader(c *cli.Context) *config.Loader {
	loader, _ := c.App.Metadata[metaLoader].(*config.Loader)
	return loader
}
