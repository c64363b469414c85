// file: factory.go
package dbconnector

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type engine struct {
	open func(ConnectionConfig) (DbConnector, error)
	bind func(ConnectionConfig, *sql.DB) (DbConnector, error)
}

var engines = map[string]engine{
	"mysql": {
		open: func(cfg ConnectionConfig) (DbConnector, error) { return newMySQLConnector(cfg) },
		bind: func(cfg ConnectionConfig, db *sql.DB) (DbConnector, error) { return mysqlFromDB(cfg, db) },
	},
	"postgres": {
		open: func(cfg ConnectionConfig) (DbConnector, error) { return newPostgresConnector(cfg) },
		bind: func(cfg ConnectionConfig, db *sql.DB) (DbConnector, error) { return postgresFromDB(cfg, db) },
	},
	"mssql": {
		open: func(cfg ConnectionConfig) (DbConnector, error) { return newMSSQLConnector(cfg) },
		bind: func(cfg ConnectionConfig, db *sql.DB) (DbConnector, error) { return mssqlFromDB(cfg, db) },
	},
}

var engineAliases = map[string]string{
	"postgresql": "postgres",
	"sqlserver":  "mssql",
}

// Engines lists the SQL engine names accepted in ConnectionConfig.Type.
func Engines() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupEngine(kind string) (engine, error) {
	name := strings.ToLower(strings.TrimSpace(kind))
	if name == "" {
		return engine{}, errors.New("connection type is required")
	}
	if alias, ok := engineAliases[name]; ok {
		name = alias
	}
	e, ok := engines[name]
	if !ok {
		return engine{}, fmt.Errorf("unsupported database type %q (want one of %s)", kind, strings.Join(Engines(), ", "))
	}
	return e, nil
}

func NewConnector(cfg ConnectionConfig) (DbConnector, error) {
	e, err := lookupEngine(cfg.Type)
	if err != nil {
		return nil, err
	}
	return e.open(cfg)
}

// NewConnectorWithDB binds an engine's statements to an already opened pool.
func NewConnectorWithDB(cfg ConnectionConfig, db *sql.DB) (DbConnector, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	e, err := lookupEngine(cfg.Type)
	if err != nil {
		return nil, err
	}
	return e.bind(cfg, db)
}

func openDatabase(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
