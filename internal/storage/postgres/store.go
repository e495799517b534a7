// Package postgres implements internal/storage.Store over PostgreSQL via
// pgx, for multi-instance server deployments. Grounded on
// pkg/storage/postgres's pgxpool-based store.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalandra/kalandra/internal/storage"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store implements storage.Store for PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	frames *FrameStore
	mls    *MlsStateStore
}

// Schema creates the tables this store requires. NewStore executes it on
// every start; its IF NOT EXISTS clauses leave existing tables as they
// are (there is no migration framework here).
const Schema = `
CREATE TABLE IF NOT EXISTS frames (
	room_id    BYTEA NOT NULL,
	log_index  BIGINT NOT NULL,
	payload    BYTEA NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, log_index)
);

CREATE TABLE IF NOT EXISTS mls_states (
	room_id    BYTEA PRIMARY KEY,
	state      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("kalandra: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kalandra: ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kalandra: apply schema: %w", err)
	}

	s := &Store{pool: pool}
	s.frames = &FrameStore{db: pool}
	s.mls = &MlsStateStore{db: pool}
	return s, nil
}

func (s *Store) Frames() storage.FrameStore       { return s.frames }
func (s *Store) MlsStates() storage.MlsStateStore { return s.mls }
func (s *Store) Close() error                     { s.pool.Close(); return nil }
func (s *Store) Ping(ctx context.Context) error    { return s.pool.Ping(ctx) }
