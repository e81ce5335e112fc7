// Package config loads bridge configuration with koanf.
//
// Sources, later overriding earlier:
//  1. built-in defaults
//  2. a YAML file, when one is given
//  3. CMDBRIDGE_ environment variables, sections separated by a double
//     underscore (CMDBRIDGE_BRIDGE__COMMAND_TIMEOUT=30s)
//  4. explicit overrides, usually command-line flags
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment variable prefix.
const DefaultEnvPrefix = "CMDBRIDGE_"

// Transport names accepted in bridge.transport.
const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
)

// Config is the full configuration tree.
type Config struct {
	Bridge  BridgeConfig  `koanf:"bridge"`
	NATS    NATSConfig    `koanf:"nats"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Peer    PeerConfig    `koanf:"peer"`
}

// BridgeConfig holds client-side settings.
type BridgeConfig struct {
	URL               string        `koanf:"url"`
	Transport         string        `koanf:"transport"`
	CommandTimeout    time.Duration `koanf:"command_timeout"`
	ReconnectDelay    time.Duration `koanf:"reconnect_delay"`
	KeepaliveInterval time.Duration `koanf:"keepalive_interval"` // 0 disables
	DialTimeout       time.Duration `koanf:"dial_timeout"`
	PingTimeout       time.Duration `koanf:"ping_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	RateLimit         float64       `koanf:"rate_limit"` // 0 disables
	RateBurst         int           `koanf:"rate_burst"`
}

// NATSConfig is used when bridge.transport is "nats".
type NATSConfig struct {
	URL            string `koanf:"url"`
	CommandSubject string `koanf:"command_subject"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// PeerConfig configures the demo peer.
type PeerConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

func defaults() mapProvider {
	return mapProvider{
		"bridge": map[string]any{
			"url":                "ws://127.0.0.1:8090/ws",
			"transport":          TransportWebsocket,
			"command_timeout":    15 * time.Second,
			"reconnect_delay":    5 * time.Second,
			"keepalive_interval": 25 * time.Second,
			"dial_timeout":       10 * time.Second,
			"ping_timeout":       5 * time.Second,
			"write_timeout":      5 * time.Second,
			"rate_limit":         0.0,
			"rate_burst":         1,
		},
		"nats": map[string]any{
			"url":             "nats://127.0.0.1:4222",
			"command_subject": "cmdbridge.commands",
		},
		"log": map[string]any{
			"level":  "info",
			"format": "text",
		},
		"metrics": map[string]any{
			"addr": "",
		},
		"peer": map[string]any{
			"addr": "127.0.0.1:8090",
			"path": "/ws",
		},
	}
}

// Loader loads configuration from its sources.
type Loader struct {
	filePath  string
	envPrefix string
	overrides map[string]any
}

// Option configures a Loader.
type Option func(*Loader)

// WithFile sets the YAML file path. An empty path skips the file.
func WithFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithOverride sets a dotted key (bridge.url) after every other source.
func WithOverride(key string, value any) Option {
	return func(l *Loader) {
		l.overrides[key] = value
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		envPrefix: DefaultEnvPrefix,
		overrides: make(map[string]any),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FilePath returns the configured file path, if any.
func (l *Loader) FilePath() string { return l.filePath }

// Load reads every source and returns a validated Config. Each call starts
// from scratch, so it can be used again after the file changes.
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(defaults(), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if l.filePath != "" {
		if err := k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}
	prefix := l.envPrefix
	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(prefix, ".", envTransformer), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	for key, value := range l.overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is shorthand for NewLoader(opts...).Load().
func Load(opts ...Option) (*Config, error) {
	return NewLoader(opts...).Load()
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error
	b := c.Bridge

	switch b.Transport {
	case TransportWebsocket:
		if b.URL == "" {
			errs = append(errs, errors.New("bridge.url is required for the websocket transport"))
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for the nats transport"))
		}
		if c.NATS.CommandSubject == "" {
			errs = append(errs, errors.New("nats.command_subject is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("bridge.transport: unknown transport %q", b.Transport))
	}

	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"bridge.command_timeout", b.CommandTimeout},
		{"bridge.reconnect_delay", b.ReconnectDelay},
		{"bridge.dial_timeout", b.DialTimeout},
		{"bridge.ping_timeout", b.PingTimeout},
		{"bridge.write_timeout", b.WriteTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.key, d.val))
		}
	}
	if b.KeepaliveInterval < 0 {
		errs = append(errs, fmt.Errorf("bridge.keepalive_interval must not be negative, got %v", b.KeepaliveInterval))
	}
	if b.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("bridge.rate_limit must not be negative, got %v", b.RateLimit))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
