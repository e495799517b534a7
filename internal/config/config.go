// Package config provides configuration loading for kalandra servers and
// clients: a YAML file layered with environment variable overrides and
// substitution, the way the teacher's config package lays out SAGE's.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for a kalandra-server process.
type Config struct {
	Environment string          `yaml:"environment" json:"environment"`
	Server      ServerConfig    `yaml:"server" json:"server"`
	Storage     StorageConfig   `yaml:"storage" json:"storage"`
	Session     SessionConfig   `yaml:"session" json:"session"`
	Auth        AuthConfig      `yaml:"auth" json:"auth"`
	Broadcast   BroadcastConfig `yaml:"broadcast" json:"broadcast"`
	Logging     LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// ServerConfig holds listener configuration for the websocket transport.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	TLSCert    string `yaml:"tls_cert,omitempty" json:"tls_cert,omitempty"`
	TLSKey     string `yaml:"tls_key,omitempty" json:"tls_key,omitempty"`
}

// StorageConfig selects and configures the frame/MLS-state backing store.
type StorageConfig struct {
	Type string `yaml:"type" json:"type"` // memory, postgres
	DSN  string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// SessionConfig mirrors serversm.SessionConfig's three timeouts. The
// values are loaded and defaulted here but not applied: serversm.NewServer
// takes no SessionConfig, so the server always runs with
// serversm.DefaultSessionConfig().
type SessionConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// AuthConfig selects and configures the handshake authenticator.
type AuthConfig struct {
	Type      string `yaml:"type" json:"type"` // jwt, allow_all
	SecretEnv string `yaml:"secret_env" json:"secret_env"`
}

// BroadcastConfig describes a room fan-out retry policy. It is loaded
// but not applied: transport.NewDriver always uses serversm.DefaultRetry().
type BroadcastConfig struct {
	Type           string        `yaml:"type" json:"type"` // best_effort, retry
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
	Output string `yaml:"output" json:"output"` // stdout, stderr, file path
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile reads and parses a YAML config file, applying defaults for
// any field the file left unset.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	setDefaults(cfg)
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8443"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.Session.HandshakeTimeout == 0 {
		cfg.Session.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 10 * time.Second
	}
	if cfg.Session.HeartbeatInterval == 0 {
		cfg.Session.HeartbeatInterval = 3 * time.Second
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "allow_all"
	}
	if cfg.Broadcast.Type == "" {
		cfg.Broadcast.Type = "best_effort"
	}
	if cfg.Broadcast.MaxAttempts == 0 {
		cfg.Broadcast.MaxAttempts = 5
	}
	if cfg.Broadcast.InitialBackoff == 0 {
		cfg.Broadcast.InitialBackoff = 50 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}
