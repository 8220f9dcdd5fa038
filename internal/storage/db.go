// Package storage implements the dual-write persistent store: a
// project-local SQLite database is the source of truth, with every
// mutation mirrored (best-effort) to a global hub database. One *DB
// handle per database runs the pragma-then-migrate open sequence; the
// per-entity managers (TaskManager, SessionManager, …) share them
// through Store.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/gobbylog"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var so tests can inject a failing opener.
var openDB = sql.Open

// DB wraps a single SQLite handle with the pragmas and migration runner
// shared by both the project database and the hub database.
type DB struct {
	conn *sql.DB
	path string
	log  *gobbylog.Logger
}

// openSQLite opens path (creating parent directories as needed), applies
// the daemon's standard pragmas, and runs migrations. journal_mode is
// left at SQLite's default rollback-journal mode rather than WAL: the
// simple durable mode maximizes portability, since project databases
// may live on network
// filesystems or be synced by third-party tools that don't cope well
// with WAL's extra -wal/-shm files.
func openSQLite(path string, log *gobbylog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, "create database directory", err)
		}
	}

	conn, err := openDB("sqlite", path)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.StorageError, "open database", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, gobbyerr.Wrap(gobbyerr.StorageError, fmt.Sprintf("pragma %q", p), err)
		}
	}

	db := &DB{conn: conn, path: path, log: log}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Conn exposes the raw *sql.DB for entity managers in this package. No
// external package reaches past the Store and its managers.
func (d *DB) Conn() *sql.DB { return d.conn }
