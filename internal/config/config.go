// Package config handles loading, validating, and writing the casetrace
// configuration from <data-dir>/config.yaml.
//
// The config defines:
//   - Storage: audit database filename inside the data directory
//   - Server: bind address for the optional HTTP/WebSocket wrapper
//   - Monitor: out-of-band tamper monitoring of the database file
//   - Export: default compliance export format
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level casetrace configuration. Loaded from
// config.yaml, with sensible defaults for fields that are not set.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Monitor MonitorConfig `yaml:"monitor"`
	Export  ExportConfig  `yaml:"export"`
}

// StorageConfig locates the audit database inside the data directory.
type StorageConfig struct {
	Database string `yaml:"database"`
}

// ServerConfig defines where the HTTP wrapper listens.
// Default: 127.0.0.1:4180 (loopback only — the wrapper carries audit
// writes across a local process boundary, never the open network).
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LiveFeed bool   `yaml:"liveFeed"`
}

// MonitorConfig controls the tamper monitor that watches the database
// file for writes made by anything other than the running service.
//
// DebounceMs: how long after the last external write before an
// automatic chain verification runs. Default: 2000ms.
type MonitorConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMs int  `yaml:"debounceMs"`
}

// ExportConfig holds defaults for compliance export.
type ExportConfig struct {
	Format string `yaml:"format"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal on first run before
			// `casetrace config generate` creates the file.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `casetrace config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# casetrace configuration
#
# storage:
#   database: Audit database filename inside the data directory
#
# server:
#   host: Bind address for the HTTP wrapper (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 4180)
#   liveFeed: Serve the WebSocket live entry feed at /api/live
#
# monitor:
#   enabled: Watch the database file for out-of-band writes and auto-verify
#   debounceMs: Quiet period after an external write before verification runs
#
# export:
#   format: Default compliance export format (jsonl, json, or csv)

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Database: "audit.db",
		},
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     4180,
			LiveFeed: true,
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			DebounceMs: 2000,
		},
		Export: ExportConfig{
			Format: "jsonl",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Storage.Database == "" {
		return fmt.Errorf("storage.database must not be empty")
	}
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Monitor.DebounceMs < 0 {
		return fmt.Errorf("monitor.debounceMs must be non-negative")
	}
	switch cfg.Export.Format {
	case "jsonl", "json", "csv":
	default:
		return fmt.Errorf("export.format %q not one of jsonl/json/csv", cfg.Export.Format)
	}
	return nil
}
