package config

import (
	"os"
	"strconv"
	"strings"
)

// GetEnvironment returns the active environment from KALANDRA_ENV,
// defaulting to development.
func GetEnvironment() string {
	env := os.Getenv("KALANDRA_ENV")
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

func IsProduction() bool {
	return GetEnvironment() == "production"
}

// ApplyEnvironmentOverrides layers KALANDRA_-prefixed environment
// variables over a loaded config. Highest priority, applied after file
// load and defaults.
func ApplyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("KALANDRA_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("KALANDRA_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("KALANDRA_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("KALANDRA_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}
	if v := os.Getenv("KALANDRA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KALANDRA_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KALANDRA_METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = enabled
		}
	}
}

// SecretFromEnv reads the authenticator secret named by AuthConfig.SecretEnv.
func (a AuthConfig) SecretFromEnv() []byte {
	if a.SecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(a.SecretEnv))
}
