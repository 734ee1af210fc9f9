// Package storage opens the local SQLite database that backs the local
// delayed-task scheduler.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) the database at path after checking
// it lives on a local filesystem, and ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := ValidateLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the API and the dispatcher.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
//
// scheduled_at holds unix seconds so due-time comparisons are numeric. The
// partial unique index allows one pending task per dedupe key while keeping
// finished rows for inspection.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stop_task (
  id           TEXT PRIMARY KEY,
  dedupe_key   TEXT NOT NULL,
  vm_name      TEXT NOT NULL,
  vm_zone      TEXT NOT NULL,
  url          TEXT NOT NULL,
  headers      JSON NOT NULL DEFAULT '{}',
  body         BLOB,
  scheduled_at INTEGER NOT NULL,
  status       TEXT NOT NULL,
  attempt      INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  last_error   TEXT,
  created_at   TEXT NOT NULL,
  updated_at   TEXT NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS stop_task_pending_key_idx ON stop_task(dedupe_key) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS stop_task_status_scheduled_idx ON stop_task(status, scheduled_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
