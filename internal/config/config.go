// Package config manages the router daemon's configuration using koanf/v2.
//
// Supports YAML files, environment variables, and defaults layered in that
// order, the same three-layer load the teacher's daemon uses.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete ajbusd configuration.
type Config struct {
	Bus         BusConfig         `koanf:"bus"`
	Listen      ListenConfig      `koanf:"listen"`
	NameService NameServiceConfig `koanf:"nameservice"`
	Limits      LimitsConfig      `koanf:"limits"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Admin       AdminConfig       `koanf:"admin"`
	Log         LogConfig         `koanf:"log"`
}

// BusConfig holds router-identity settings.
type BusConfig struct {
	// GUID overrides the randomly minted router GUID; empty mints one at
	// startup (persisted nowhere -- this router has no key store, §1).
	GUID string `koanf:"guid"`
}

// ListenConfig holds the addresses this router listens on.
type ListenConfig struct {
	// BusAddresses is the semicolon-joined DBus-style address list this
	// router listens on for daemon-to-daemon (tcp:) and local client
	// (unix:) connections, e.g. "tcp:addr=0.0.0.0,port=9955;unix:path=/run/ajbusd/bus".
	BusAddresses string `koanf:"bus_addresses"`
}

// NameServiceConfig holds the UDP multicast discovery settings (§4.6.7).
type NameServiceConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Group         string `koanf:"group"`
	Interface     string `koanf:"interface"`
	QuietPrefix   string `koanf:"quiet_prefix"`
	QuietCeiling  int    `koanf:"quiet_ceiling"`
}

// LimitsConfig holds the connection/session ceilings. MaxConnections and
// MaxIncompleteConnections are passed to internal/transport;
// MaxConcurrentSetups is not read anywhere, and internal/session bounds
// concurrent session setups with its own fixed limit of 64.
type LimitsConfig struct {
	MaxConnections           int `koanf:"max_connections"`
	MaxIncompleteConnections int `koanf:"max_incomplete_connections"`
	MaxConcurrentSetups      int `koanf:"max_concurrent_setups"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// AdminConfig holds the admin HTTP API endpoint configuration (§6).
type AdminConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			BusAddresses: "tcp:addr=0.0.0.0,port=9955;unix:path=/run/ajbusd/bus",
		},
		NameService: NameServiceConfig{
			Enabled:      true,
			Group:        "224.0.0.113:9956",
			QuietPrefix:  "quiet@",
			QuietCeiling: 10,
		},
		Limits: LimitsConfig{
			MaxConnections:           1024,
			MaxIncompleteConnections: 64,
			MaxConcurrentSetups:      64,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Admin: AdminConfig{
			Addr: ":9101",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envPrefix is the environment variable prefix for ajbusd configuration.
// Variables are named AJBUSD_<section>_<key>, e.g., AJBUSD_LISTEN_BUS_ADDRESSES.
const envPrefix = "AJBUSD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (AJBUSD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. An empty path skips the file layer
// entirely, useful for tests and for a daemon run with only env/defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms AJBUSD_LISTEN_BUS_ADDRESSES -> listen.bus_addresses.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"bus.guid":                       defaults.Bus.GUID,
		"listen.bus_addresses":           defaults.Listen.BusAddresses,
		"nameservice.enabled":            defaults.NameService.Enabled,
		"nameservice.group":              defaults.NameService.Group,
		"nameservice.interface":          defaults.NameService.Interface,
		"nameservice.quiet_prefix":       defaults.NameService.QuietPrefix,
		"nameservice.quiet_ceiling":      defaults.NameService.QuietCeiling,
		"limits.max_connections":            defaults.Limits.MaxConnections,
		"limits.max_incomplete_connections": defaults.Limits.MaxIncompleteConnections,
		"limits.max_concurrent_setups":      defaults.Limits.MaxConcurrentSetups,
		"metrics.addr":                   defaults.Metrics.Addr,
		"metrics.path":                   defaults.Metrics.Path,
		"admin.addr":                     defaults.Admin.Addr,
		"log.level":                      defaults.Log.Level,
		"log.format":                     defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// Validation errors.
var (
	ErrEmptyBusAddresses  = errors.New("listen.bus_addresses must not be empty")
	ErrInvalidMaxConns    = errors.New("limits.max_connections must be > 0")
	ErrInvalidQuietRange  = errors.New("nameservice.quiet_ceiling must be >= 0")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Listen.BusAddresses == "" {
		return ErrEmptyBusAddresses
	}
	if cfg.Limits.MaxConnections <= 0 {
		return ErrInvalidMaxConns
	}
	if cfg.NameService.QuietCeiling < 0 {
		return ErrInvalidQuietRange
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// defaultIdleCheckPeriod is the fixed, not user-configurable housekeeping
// tick exposed through IdleCheckPeriod. Nothing in cmd/ajbusd reads it.
const defaultIdleCheckPeriod = 5 * time.Second

// IdleCheckPeriod returns the fixed housekeeping tick interval.
func IdleCheckPeriod() time.Duration { return defaultIdleCheckPeriod }
