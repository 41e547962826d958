// Package store provides the durable, transactional Command Store backing
// the Control Server: a SQLite database reached through goose migrations and
// a small set of atomic operations over the command table.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed sql/0*.sql
var migrations embed.FS

// Open initializes a SQLite-backed Command Store. dbPath may be ":memory:"
// for ephemeral use in tests. Schema migrations are applied before Open
// returns, so a freshly opened store is immediately ready to serve claims.
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	var dsn string
	if dbPath == ":memory:" {
		dsn = ":memory:?_pragma=foreign_keys(ON)&_pragma=temp_store(MEMORY)"
	} else {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = fmt.Sprintf(
			"file:%s?mode=rwc"+
				"&_pragma=journal_mode(WAL)"+
				"&_pragma=synchronous(NORMAL)"+
				"&_pragma=busy_timeout(10000)"+
				"&_pragma=foreign_keys(ON)",
			dbPath,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every new connection to :memory: opens a distinct empty database,
		// so an in-memory store must stay on a single pooled connection.
		db.SetMaxOpenConns(1)
	} else {
		// Single-writer, multi-reader pool: SQLite serializes writers
		// regardless of pool size, but capping idle/open connections keeps
		// goroutine counts predictable under concurrent claim attempts.
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("failed to ping database: %w", errors.Join(err, cerr))
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("failed to apply database schema: %w", errors.Join(err, cerr))
		}
		return nil, fmt.Errorf("failed to apply database schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func Close(db *sql.DB) error {
	if db != nil {
		if err := db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// migrate applies embedded goose migrations. Safe to run multiple times.
func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrations, "sql")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	// Use goose.NewProvider rather than the package-level SetDialect/SetBaseFS
	// globals to avoid races when tests open multiple stores concurrently.
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply schema migrations: %w", err)
	}

	return nil
}
