// Package db provides the durable store: sqlite connection management,
// schema migrations, and repositories for cached responses and pending changes.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "plagapro-offline.db"

// DB wraps the sql.DB with offline-store configuration.
type DB struct {
	*sql.DB
}

// Open opens the sqlite database inside dataDir with:
// - WAL mode so readers never block the single writer
// - a busy timeout instead of immediate SQLITE_BUSY errors
// - foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return open(filepath.Join(dataDir, FileName))
}

// OpenMemory opens a private in-memory database, used by tests.
func OpenMemory() (*DB, error) {
	return open(":memory:")
}

func open(dsn string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: sqlite has a single writer, and an in-memory database
	// only exists for the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
