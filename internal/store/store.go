// Package store opens the configured rotation backend.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"livingrosary.org/internal/config"
	"livingrosary.org/internal/migrate"
	"livingrosary.org/internal/rotation"
	"livingrosary.org/internal/schedule"
	"livingrosary.org/internal/store/pg"
	"livingrosary.org/internal/store/sqlite"
	"livingrosary.org/ops/migrations"
)

// Backend is a rotation store that can be probed and closed.
type Backend interface {
	rotation.Store
	Ping(ctx context.Context) error
	Close() error
}

// Handle is an opened backend. Ledger is nil for the in-memory driver, and
// DB is nil unless the backend is SQL.
type Handle struct {
	Backend Backend
	Ledger  schedule.RunLedger
	DB      *sql.DB
	Driver  string
}

// Migrator returns a migration manager for SQL backends.
func (h Handle) Migrator() (*migrate.Manager, error) {
	if h.DB == nil {
		return nil, fmt.Errorf("driver %q has no schema to migrate", h.Driver)
	}
	schema, err := migrations.For(h.Driver)
	if err != nil {
		return nil, err
	}
	dialect := migrate.Postgres
	if h.Driver == config.DriverSQLite {
		dialect = migrate.SQLite
	}
	return migrate.NewManager(h.DB, schema, migrations.Seeds(), migrate.WithDialect(dialect)), nil
}

// Open connects to the backend named by cfg.Driver. The SQLite backend
// migrates itself; PostgreSQL is migrated explicitly with rosaryctl.
func Open(ctx context.Context, cfg config.StoreConfig) (Handle, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := pg.Open(cfg.DSN)
		if err != nil {
			return Handle{}, fmt.Errorf("open postgres: %w", err)
		}
		return Handle{Backend: s, Ledger: s, DB: s.DB(), Driver: cfg.Driver}, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return Handle{}, err
		}
		return Handle{Backend: s, Ledger: s, DB: s.DB(), Driver: cfg.Driver}, nil
	case config.DriverMemory:
		return Handle{Backend: memory{rotation.NewInMemory()}, Driver: cfg.Driver}, nil
	default:
		return Handle{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type memory struct {
	*rotation.InMemory
}

func (memory) Ping(context.Context) error { return nil }

func (memory) Close() error { return nil }
