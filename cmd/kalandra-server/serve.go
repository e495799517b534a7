package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalandra/kalandra/internal/auth"
	"github.com/kalandra/kalandra/internal/config"
	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/kalog"
	"github.com/kalandra/kalandra/internal/metrics"
	"github.com/kalandra/kalandra/internal/storage"
	"github.com/kalandra/kalandra/internal/storage/memory"
	"github.com/kalandra/kalandra/internal/storage/postgres"
	"github.com/kalandra/kalandra/internal/transport"
	"github.com/kalandra/kalandra/serversm"
)

var (
	configDir   string
	environment string
	dotEnvPath  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kalandra server",
	Long: `serve loads configuration (config/<environment>.yaml, layered with
KALANDRA_* environment overrides), wires storage/auth/metrics, and runs
the websocket listener until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&configDir, "config-dir", "config", "directory containing <environment>.yaml")
	serveCmd.Flags().StringVar(&environment, "environment", "", "override the detected environment (development, staging, production)")
	serveCmd.Flags().StringVar(&dotEnvPath, "dotenv", "", "optional .env file to load before reading config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: configDir, Environment: environment, DotEnvPath: dotEnvPath})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := kalog.NewLogger(os.Stdout, logLevel(cfg.Logging.Level))
	logger.Info("starting kalandra-server",
		kalog.String("environment", cfg.Environment),
		kalog.String("listen_addr", cfg.Server.ListenAddr),
		kalog.String("storage", cfg.Storage.Type))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("build storage: %w", err)
	}
	defer store.Close()

	authenticator, err := buildAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}

	server := serversm.NewServer(env.NewSystem(logger), store, authenticator)
	driver := transport.NewDriver(server, logger)

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("starting metrics server", kalog.String("addr", cfg.Metrics.Addr))
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", kalog.Err(err))
			}
		}()
	}

	go driver.Run(ctx)

	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: driver.Handler()}
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		tlsConfig, err := transport.LoadTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.NewStore(), nil
	case "postgres":
		pgCfg, err := parsePostgresDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(ctx, pgCfg)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// parsePostgresDSN accepts a standard postgres:// URI (the same shape
// psql/libpq accept) and splits it into postgres.Config's discrete
// fields, since NewStore builds its own connection string from those
// rather than taking a DSN directly.
func parsePostgresDSN(dsn string) (*postgres.Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}
	port := 5432
	if p := u.Port(); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}
	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}
	return &postgres.Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func buildAuthenticator(cfg config.AuthConfig) (auth.Authenticator, error) {
	switch cfg.Type {
	case "", "allow_all":
		return auth.AllowAll{}, nil
	case "jwt":
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("auth: %s is unset", cfg.SecretEnv)
		}
		return auth.NewJWTAuthenticator([]byte(secret)), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

func logLevel(level string) kalog.Level {
	switch level {
	case "debug":
		return kalog.DebugLevel
	case "warn":
		return kalog.WarnLevel
	case "error":
		return kalog.ErrorLevel
	default:
		return kalog.InfoLevel
	}
}
