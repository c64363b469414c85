package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"praxisguard-backend/services/guard-service/migrations"
)

type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "praxisguard-guard-service"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

// Migrate applies the embedded schema files in lexical order.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	return s.MigrateFS(ctx, migrations.FS)
}

// MigrateFS applies every *.sql file at the root of fsys in lexical order and
// returns the names applied. Files must be idempotent; there is no version
// table.
func (s *Store) MigrateFS(ctx context.Context, fsys fs.FS) ([]string, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	applied := make([]string, 0, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := s.Pool.Exec(ctx, string(content)); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", path.Base(file), err)
		}
		applied = append(applied, file)
	}
	return applied, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}
