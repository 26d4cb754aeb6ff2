// Package db opens and pools the SQL connections used by the session store.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver, registered as "pgx"
	_ "github.com/mattn/go-sqlite3"    // sqlite driver, registered as "sqlite3"

	"github.com/sessionbroker/broker/internal/common/config"
	"github.com/sessionbroker/broker/internal/db/dialect"
)

// Open opens a database connection for the configured driver and verifies
// it with a ping. SQLite connections are opened with WAL mode and foreign
// keys on, matching the single-writer access pattern required by the
// admission controller's serialized creation path.
func Open(cfg config.StoreConfig) (*sqlx.DB, error) {
	switch cfg.Driver {
	case dialect.Postgres, "postgres":
		return openPostgres(cfg)
	case dialect.SQLite, "sqlite":
		return openSQLite(cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openPostgres(cfg config.StoreConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect(dialect.Postgres, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns, minConns := cfg.MaxConns, cfg.MinConns
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

func openSQLite(cfg config.StoreConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN + "?_foreign_keys=on&_journal_mode=WAL"
	db, err := sqlx.Connect(dialect.SQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent admission attempts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}
