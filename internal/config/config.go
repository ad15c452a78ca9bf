// Package config loads GoatDB's process configuration: which repositories
// to open, who to sync with and how often, where logs go, and which trust
// session a process authors commits under. Shape and loading style (YAML
// file, environment variable overrides layered on top, Validate before use)
// follow the teacher's own internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is a GoatDB process's full configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Repositories []RepositoryConfig `yaml:"repositories"`
	Sync         SyncConfig         `yaml:"sync"`
	Logging      LoggingConfig      `yaml:"logging"`
	Trust        TrustConfig        `yaml:"trust"`
	Audit        AuditConfig        `yaml:"audit"`
}

// ServerConfig configures the sync transport's HTTP listener
// (internal/api.Server).
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// RepositoryConfig names one repository this process hosts: where its
// commit log lives on disk, and which (namespace, version) schema pair its
// items are validated against. Name doubles as its path segment under
// POST /sync/{name}/round. SchemaFile, if set, names a YAML file
// describing that schema's fields for cmd/goatdb to register at startup;
// left empty, the namespace must already be registered some other way
// (e.g. by an embedding Go program calling schema.Registry.Register
// directly).
type RepositoryConfig struct {
	Name       string `yaml:"name"`
	Path       string `yaml:"path"`
	Namespace  string `yaml:"namespace"`
	Version    int    `yaml:"version"`
	SchemaFile string `yaml:"schema_file"`
}

// SyncConfig configures which peers to sync with and how hard to push.
type SyncConfig struct {
	// Peers are base URLs of remote GoatDB processes to sync every
	// repository against (e.g. "http://peer-1:8081").
	Peers []string `yaml:"peers"`
	// RoundIntervalSeconds is how often the scheduler attempts a round
	// against each (peer, repository) pair absent backoff.
	RoundIntervalSeconds int `yaml:"round_interval_seconds"`
	// RoundsPerSecond caps how many rounds per second this process starts
	// against any single peer (golang.org/x/time/rate, internal/api.Client).
	RoundsPerSecond float64 `yaml:"rounds_per_second"`
}

// LoggingConfig configures log/slog output, with rotation fields for
// gopkg.in/natefinch/lumberjack.v2 when File is set.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // empty means stderr, no rotation
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TrustConfig names the local trust session a process authors and signs
// commits under, and where its private key material is persisted
// (internal/trust.Pool.SaveSettings/LoadSettings).
type TrustConfig struct {
	SettingsFile    string `yaml:"settings_file"`
	SessionID       string `yaml:"session_id"`
	Owner           string `yaml:"owner"`
	SessionTTLHours int    `yaml:"session_ttl_hours"`
}

// AuditConfig configures syslog forwarding of durability and merge-fallback
// alerts (internal/audit).
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Network string `yaml:"network"` // "" for local syslog, else "udp"/"tcp"
	Address string `yaml:"address"`
	Tag     string `yaml:"tag"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8081,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Sync: SyncConfig{
			RoundIntervalSeconds: 5,
			RoundsPerSecond:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Trust: TrustConfig{
			SessionTTLHours: 24 * 7,
		},
		Audit: AuditConfig{
			Tag: "goatdb",
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Load from file if provided
	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOATDB_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("GOATDB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GOATDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GOATDB_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GOATDB_LOG_FILE"); v != "" {
		c.Logging.File = v
	}

	// Sync overrides
	if v := os.Getenv("GOATDB_SYNC_PEERS"); v != "" {
		var peers []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				peers = append(peers, p)
			}
		}
		c.Sync.Peers = peers
	}
	if v := os.Getenv("GOATDB_SYNC_ROUND_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.RoundIntervalSeconds = n
		}
	}

	// Trust session overrides
	if v := os.Getenv("GOATDB_TRUST_SETTINGS_FILE"); v != "" {
		c.Trust.SettingsFile = v
	}
	if v := os.Getenv("GOATDB_TRUST_SESSION_ID"); v != "" {
		c.Trust.SessionID = v
	}
	if v := os.Getenv("GOATDB_TRUST_OWNER"); v != "" {
		c.Trust.Owner = v
	}

	if v := os.Getenv("GOATDB_AUDIT_ADDRESS"); v != "" {
		c.Audit.Enabled = true
		c.Audit.Address = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	seen := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		if r.Name == "" {
			return fmt.Errorf("repository entry missing name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repository name: %s", r.Name)
		}
		seen[r.Name] = true
		if r.Path == "" {
			return fmt.Errorf("repository %s: path is required", r.Name)
		}
		if r.Namespace == "" {
			return fmt.Errorf("repository %s: namespace is required", r.Name)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Sync.RoundIntervalSeconds < 0 {
		return fmt.Errorf("sync round_interval_seconds must be >= 0")
	}

	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
