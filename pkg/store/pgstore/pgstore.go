// Package pgstore is the pgx/v5-backed implementation of store.Store
// (spec.md §6 "Persisted state layout"): a Config, a constructor that
// opens the pool and applies embedded migrations, and one file per entity
// group implementing the matching store interface (mirroring
// pkg/store/memstore's own per-entity file split).
package pgstore

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // registers the "postgres" migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for golang-migrate
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the connection and pool settings, with a single DSN field
// instead of discrete host/port/user fields since pgxpool.ParseConfig
// already accepts one.
type Config struct {
	// DSN must be a postgres:// URL (not pgx's keyword/value form): it is
	// parsed independently by pgxpool and by golang-migrate's postgres
	// driver, and only the URL form both understand.
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	return c
}

// Store is the pgx/v5-backed store.Store implementation. All entity
// methods hang off this type across environment.go, task.go, pipeline.go,
// orchestrator.go and provisioner.go.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against cfg.DSN and applies every pending
// migration embedded under migrations/: connect, then auto-migrate on
// startup.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func runMigrations(dsn string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
