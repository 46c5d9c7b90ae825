package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DatabaseConfig selects and tunes the SQL database backing submissions and audit logs
type DatabaseConfig struct {
	Driver      string // "postgres" or "sqlite3"
	DSN         string
	MaxConns    int
	MinConns    int
	MaxLifetime time.Duration
	Timeout     time.Duration
}

// OpenDatabase opens and pings the configured database
func OpenDatabase(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MinConns > 0 {
			db.SetMaxIdleConns(cfg.MinConns)
		}
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
