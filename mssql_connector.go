// file: mssql_connector.go
package dbconnector

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
)

type MSSQLConnector struct {
	baseConnector
}

func newMSSQLConnector(cfg ConnectionConfig) (*MSSQLConnector, error) {
	if cfg.Port == 0 {
		cfg.Port = 1433
	}
	user := url.QueryEscape(cfg.User)
	pass := url.QueryEscape(cfg.Password)
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	encrypt := "true"
	if sslMode == "disable" {
		encrypt = "disable"
	}
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s", user, pass, cfg.Host, cfg.Port, cfg.Database, encrypt)
	db, err := openDatabase("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mssql connection: %w", err)
	}
	conn, err := mssqlFromDB(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return conn, nil
}

func mssqlFromDB(cfg ConnectionConfig, db *sql.DB) (*MSSQLConnector, error) {
	stmts, err := mssqlStatements(cfg)
	if err != nil {
		return nil, err
	}
	return &MSSQLConnector{newBaseConnector(cfg, db, "mssql", stmts)}, nil
}

func (c *MSSQLConnector) TestConnection(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mssql: %w", err)
	}
	return nil
}

func quoteMSSQL(s string) string { return "[" + s + "]" }

func bindMSSQL(n int) string { return fmt.Sprintf("@p%d", n) }

func mssqlStatements(cfg ConnectionConfig) (statements, error) {
	readingsName := tableOrDefault(cfg.ReadingsTable, DefaultReadingsTable)
	auditName := tableOrDefault(cfg.AuditTable, DefaultAuditTable)
	readings, err := quoteMSSQLTable(readingsName)
	if err != nil {
		return statements{}, err
	}
	audit, err := quoteMSSQLTable(auditName)
	if err != nil {
		return statements{}, err
	}
	readingSchema, readingTable, _ := parseMSSQLTable(readingsName)
	auditSchema, auditTable, _ := parseMSSQLTable(auditName)
	readingCols, _ := quoteList(readingColumns, quoteMSSQL)
	auditCols, _ := quoteList(auditColumns, quoteMSSQL)
	return statements{
		insertReading:  fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", readings, readingCols, bindList(len(readingColumns), bindMSSQL)),
		recentReadings: fmt.Sprintf("SELECT TOP (@p2) %s FROM %s WHERE [machine_id] = @p1 ORDER BY [timestamp] DESC, [id] DESC", readingCols, readings),
		insertAudit:    fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", audit, auditCols, bindList(len(auditColumns), bindMSSQL)),
		latestAudit:    fmt.Sprintf("SELECT TOP (1) %s FROM %s WHERE [machine_id] = @p1 ORDER BY [timestamp] DESC, [seq] DESC", auditCols, audit),
		latestAuditAll: fmt.Sprintf("SELECT TOP (1) %s FROM %s ORDER BY [timestamp] DESC, [seq] DESC", auditCols, audit),
		schema: []string{
			fmt.Sprintf(`IF OBJECT_ID(N'%s.%s', N'U') IS NULL
CREATE TABLE %s (
	[id] BIGINT IDENTITY(1,1) PRIMARY KEY,
	[machine_id] NVARCHAR(64) NOT NULL,
	[vibration] FLOAT NOT NULL,
	[temperature] FLOAT NOT NULL,
	[timestamp] DATETIME2 NOT NULL,
	INDEX [IX_machine_ts] NONCLUSTERED ([machine_id], [timestamp] DESC)
)`, readingSchema, readingTable, readings),
			fmt.Sprintf(`IF OBJECT_ID(N'%s.%s', N'U') IS NULL
CREATE TABLE %s (
	[id] NVARCHAR(36) PRIMARY KEY,
	[seq] BIGINT IDENTITY(1,1) NOT NULL,
	[machine_id] NVARCHAR(64) NOT NULL,
	[status] NVARCHAR(32) NOT NULL,
	[risk_score] FLOAT NOT NULL,
	[recommendation] NVARCHAR(MAX) NOT NULL,
	[timestamp] DATETIME2 NOT NULL
)`, auditSchema, auditTable, audit),
		},
	}, nil
}

func parseMSSQLTable(table string) (string, string, error) {
	_, parts, err := quoteQualified(table, 2, quoteMSSQL)
	if err != nil {
		return "", "", fmt.Errorf("invalid mssql table: %w", err)
	}
	if len(parts) == 1 {
		return "dbo", parts[0], nil
	}
	return parts[0], parts[1], nil
}

func quoteMSSQLTable(table string) (string, error) {
	quoted, _, err := quoteQualified(table, 2, quoteMSSQL)
	if err != nil {
		return "", fmt.Errorf("invalid mssql table: %w", err)
	}
	return quoted, nil
}
