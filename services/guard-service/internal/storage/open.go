package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	dbconnector "praxisguard-backend"
)

type Options struct {
	Driver      string // memory | badger | pgx | postgres | mysql | mssql
	DSN         string
	BadgerPath  string
	SQL         dbconnector.ConnectionConfig
	AutoMigrate bool
}

// Open builds the configured backend and verifies it is reachable.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "badger":
		if strings.TrimSpace(opts.BadgerPath) == "" {
			return nil, fmt.Errorf("badger path is required")
		}
		return NewBadgerBackend(opts.BadgerPath)
	case "pgx":
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, fmt.Errorf("dsn is required for pgx driver")
		}
		store, err := NewStore(ctx, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect pgx: %w", err)
		}
		if opts.AutoMigrate {
			if _, err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return NewRepository(store), nil
	case "postgres", "postgresql", "mysql", "mssql", "sqlserver":
		cfg := opts.SQL
		cfg.Type = opts.Driver
		conn, err := dbconnector.NewConnector(cfg)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.TestConnection(pingCtx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		if opts.AutoMigrate {
			if err := conn.EnsureSchema(ctx); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return NewSQLBackend(conn), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}
