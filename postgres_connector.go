// file: postgres_connector.go
package dbconnector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

type PostgresConnector struct {
	baseConnector
}

func newPostgresConnector(cfg ConnectionConfig) (*PostgresConnector, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
	db, err := openDatabase("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	conn, err := postgresFromDB(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return conn, nil
}

func postgresFromDB(cfg ConnectionConfig, db *sql.DB) (*PostgresConnector, error) {
	stmts, err := postgresStatements(cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresConnector{newBaseConnector(cfg, db, "postgres", stmts)}, nil
}

func (c *PostgresConnector) TestConnection(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func quotePostgres(s string) string { return "\"" + s + "\"" }

func bindPostgres(n int) string { return fmt.Sprintf("$%d", n) }

func postgresStatements(cfg ConnectionConfig) (statements, error) {
	readings, readingParts, err := quoteQualified(tableOrDefault(cfg.ReadingsTable, DefaultReadingsTable), 2, quotePostgres)
	if err != nil {
		return statements{}, fmt.Errorf("invalid postgres readings table: %w", err)
	}
	audit, _, err := quoteQualified(tableOrDefault(cfg.AuditTable, DefaultAuditTable), 2, quotePostgres)
	if err != nil {
		return statements{}, fmt.Errorf("invalid postgres audit table: %w", err)
	}
	readingCols, _ := quoteList(readingColumns, quotePostgres)
	auditCols, _ := quoteList(auditColumns, quotePostgres)
	index := quotePostgres(readingParts[len(readingParts)-1] + "_machine_ts_idx")
	return statements{
		insertReading: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", readings, readingCols, bindList(len(readingColumns), bindPostgres)),
		recentReadings: fmt.Sprintf("SELECT %s FROM %s WHERE \"machine_id\" = $1 ORDER BY \"timestamp\" DESC, \"id\" DESC LIMIT $2",
			readingCols, readings),
		insertAudit:    fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", audit, auditCols, bindList(len(auditColumns), bindPostgres)),
		latestAudit:    fmt.Sprintf("SELECT %s FROM %s WHERE \"machine_id\" = $1 ORDER BY \"timestamp\" DESC, \"seq\" DESC LIMIT 1", auditCols, audit),
		latestAuditAll: fmt.Sprintf("SELECT %s FROM %s ORDER BY \"timestamp\" DESC, \"seq\" DESC LIMIT 1", auditCols, audit),
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	"id" BIGSERIAL PRIMARY KEY,
	"machine_id" VARCHAR(64) NOT NULL,
	"vibration" DOUBLE PRECISION NOT NULL,
	"temperature" DOUBLE PRECISION NOT NULL,
	"timestamp" TIMESTAMPTZ NOT NULL
)`, readings),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ("machine_id", "timestamp" DESC)`, index, readings),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	"id" VARCHAR(36) PRIMARY KEY,
	"seq" BIGSERIAL,
	"machine_id" VARCHAR(64) NOT NULL,
	"status" VARCHAR(32) NOT NULL,
	"risk_score" DOUBLE PRECISION NOT NULL,
	"recommendation" TEXT NOT NULL,
	"timestamp" TIMESTAMPTZ NOT NULL
)`, audit),
			// tables created before seq existed
			fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "seq" BIGSERIAL`, audit),
		},
	}, nil
}
