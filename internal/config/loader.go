package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoaderOptions configures Load.
type LoaderOptions struct {
	// ConfigDir is the directory containing config files (default: ./config).
	ConfigDir string
	// Environment overrides automatic environment detection.
	Environment string
	// DotEnvPath, if set, is loaded into the process environment before
	// config file parsing so KALANDRA_* overrides can come from a .env
	// file during local development.
	DotEnvPath string
}

func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{ConfigDir: "config"}
}

// Load loads the environment-specific config file (<env>.yaml, falling
// back to default.yaml, then config.yaml), applies defaults, and layers
// environment variable overrides on top.
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	if options.DotEnvPath != "" {
		// Missing .env is fine outside local dev; only a malformed one is an error.
		if err := godotenv.Load(options.DotEnvPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load dotenv %s: %w", options.DotEnvPath, err)
		}
	}

	env := options.Environment
	if env == "" {
		env = GetEnvironment()
	}

	cfg, err := firstReadableConfig(
		filepath.Join(options.ConfigDir, env+".yaml"),
		filepath.Join(options.ConfigDir, "default.yaml"),
		filepath.Join(options.ConfigDir, "config.yaml"),
	)
	if err != nil {
		cfg = &Config{}
		setDefaults(cfg)
	}

	if cfg.Environment == "" {
		cfg.Environment = env
	}

	ApplyEnvironmentOverrides(cfg)
	return cfg, nil
}

func firstReadableConfig(paths ...string) (*Config, error) {
	var lastErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			lastErr = err
			continue
		}
		return LoadFromFile(path)
	}
	return nil, lastErr
}

// MustLoad loads configuration or panics on error.
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("config: failed to load: %v", err))
	}
	return cfg
}
