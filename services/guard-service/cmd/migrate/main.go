package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"praxisguard-backend/services/guard-service/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := storage.NewStore(ctx, dsn)
	if err != nil {
		logger.Error("failed to connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	var applied []string
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		applied, err = store.MigrateFS(ctx, os.DirFS(dir))
	} else {
		applied, err = store.Migrate(ctx)
	}
	for _, file := range applied {
		logger.Info("applied migration", slog.String("file", file))
	}
	if err != nil {
		logger.Error("migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if len(applied) == 0 {
		logger.Warn("no migrations found")
	}
}
