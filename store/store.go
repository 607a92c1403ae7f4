// Package store implements the audit repository: a WAL-mode SQLite store
// of audits, findings, screenshots, and the verbatim progress event log.
//
// Concurrency model: per-audit writes are serialized by the runner's event
// loop; WAL mode lets readers proceed while a writer is active. Cross-audit
// access is safe through the driver's serialized connection handling.
package store

import (
	"embed"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens (creating if needed) the audit database at path and applies
// pending migrations. Pass ":memory:" for an ephemeral test database.
func Open(path string) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store path must not be empty")
	}

	dsn := fmt.Sprintf("file:%s?%s", path, connParams().Encode())
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	// A single writer connection keeps SQLITE_BUSY out of the write path;
	// WAL still allows concurrent readers on the same connection pool.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func connParams() url.Values {
	v := url.Values{}
	v.Set("_journal_mode", "WAL")
	v.Set("_busy_timeout", "5000")
	v.Set("_foreign_keys", "on")
	// Crash safety for AppendEvent: NORMAL syncs the WAL at commit under
	// WAL mode, which survives process crashes (not power loss).
	v.Set("_synchronous", "NORMAL")
	return v
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
