// file: mysql_connector.go
package dbconnector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

type MySQLConnector struct {
	baseConnector
}

func newMySQLConnector(cfg ConnectionConfig) (*MySQLConnector, error) {
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	if sslMode == "disable" {
		dsn += "&tls=false"
	} else if sslMode != "" {
		dsn += "&tls=true"
	}
	db, err := openDatabase("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	conn, err := mysqlFromDB(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return conn, nil
}

func mysqlFromDB(cfg ConnectionConfig, db *sql.DB) (*MySQLConnector, error) {
	stmts, err := mysqlStatements(cfg)
	if err != nil {
		return nil, err
	}
	return &MySQLConnector{newBaseConnector(cfg, db, "mysql", stmts)}, nil
}

func (c *MySQLConnector) TestConnection(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	return nil
}

func quoteMySQL(s string) string { return "`" + s + "`" }

func bindMySQL(int) string { return "?" }

func mysqlStatements(cfg ConnectionConfig) (statements, error) {
	readings, _, err := quoteQualified(tableOrDefault(cfg.ReadingsTable, DefaultReadingsTable), 2, quoteMySQL)
	if err != nil {
		return statements{}, fmt.Errorf("invalid mysql readings table: %w", err)
	}
	audit, _, err := quoteQualified(tableOrDefault(cfg.AuditTable, DefaultAuditTable), 2, quoteMySQL)
	if err != nil {
		return statements{}, fmt.Errorf("invalid mysql audit table: %w", err)
	}
	readingCols, _ := quoteList(readingColumns, quoteMySQL)
	auditCols, _ := quoteList(auditColumns, quoteMySQL)
	return statements{
		insertReading:  fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", readings, readingCols, bindList(len(readingColumns), bindMySQL)),
		recentReadings: fmt.Sprintf("SELECT %s FROM %s WHERE `machine_id` = ? ORDER BY `timestamp` DESC, `id` DESC LIMIT ?", readingCols, readings),
		insertAudit:    fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", audit, auditCols, bindList(len(auditColumns), bindMySQL)),
		latestAudit:    fmt.Sprintf("SELECT %s FROM %s WHERE `machine_id` = ? ORDER BY `timestamp` DESC, `seq` DESC LIMIT 1", auditCols, audit),
		latestAuditAll: fmt.Sprintf("SELECT %s FROM %s ORDER BY `timestamp` DESC, `seq` DESC LIMIT 1", auditCols, audit),
		schema: []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
				"\t`id` BIGINT AUTO_INCREMENT PRIMARY KEY,\n"+
				"\t`machine_id` VARCHAR(64) NOT NULL,\n"+
				"\t`vibration` DOUBLE NOT NULL,\n"+
				"\t`temperature` DOUBLE NOT NULL,\n"+
				"\t`timestamp` DATETIME(6) NOT NULL,\n"+
				"\tINDEX `idx_machine_ts` (`machine_id`, `timestamp`)\n"+
				")", readings),
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
				"\t`id` VARCHAR(36) PRIMARY KEY,\n"+
				"\t`seq` BIGINT NOT NULL AUTO_INCREMENT UNIQUE,\n"+
				"\t`machine_id` VARCHAR(64) NOT NULL,\n"+
				"\t`status` VARCHAR(32) NOT NULL,\n"+
				"\t`risk_score` DOUBLE NOT NULL,\n"+
				"\t`recommendation` TEXT NOT NULL,\n"+
				"\t`timestamp` DATETIME(6) NOT NULL,\n"+
				"\tINDEX `idx_audit_machine_ts` (`machine_id`, `timestamp`)\n"+
				")", audit),
		},
	}, nil
}
