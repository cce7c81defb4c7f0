// Package sqlitedrv opens SQLite databases with the pragmas every edge
// store relies on. The concrete driver is chosen at build time: the cgo
// build uses mattn/go-sqlite3 (required for the sqlite-vec extension), the
// pure-Go build falls back to modernc.org/sqlite.
package sqlitedrv

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// Open opens (creating if needed) the database at path and applies the
// standard pragmas. maxConns bounds the connection pool; SQLite handles
// one writer at a time, so writes serialize behind busy_timeout.
func Open(path string, maxConns int) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if maxConns < 1 {
		maxConns = 1
	}
	// In-memory databases are per-connection; a pool would give each caller
	// a different empty database.
	if path == ":memory:" {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		// synchronous=NORMAL is safe under WAL and much faster than FULL.
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return db, nil
}
