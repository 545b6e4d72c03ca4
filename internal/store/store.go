// Package store opens the shared consejo SQLite database. Each subsystem
// owns its tables and initializes its schema against the handle returned
// here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open creates or opens the consejo database at path. WAL mode with a busy
// timeout so concurrent deliberations never fail fast on lock contention;
// immediate transactions so read-then-write sequences inside a tx are
// serialized at BEGIN.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// OpenMemory opens an in-memory database for tests. The shared cache keeps
// all connections of the pool on one store.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A pooled connection closing would drop the shared in-memory store.
	db.SetMaxOpenConns(1)
	return db, nil
}
