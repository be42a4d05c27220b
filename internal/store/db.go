// ABOUTME: SQLite database handle using modernc.org/sqlite with automatic
// ABOUTME: schema creation. Entities are stored as JSON documents per service.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle shared by the per-service collections and the
// service access store.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the database at path. Parent directories are
// created if needed; the schema is applied idempotently.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return open(path)
}

// OpenMemory opens an in-memory database for tests. The pool is capped at one
// connection so every query sees the same memory database.
func OpenMemory() (*DB, error) {
	d, err := open(":memory:")
	if err != nil {
		return nil, err
	}
	d.db.SetMaxOpenConns(1)
	return d, nil
}

func open(path string) (*DB, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for concurrent readers during broadcasts.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	d := &DB{db: db, logger: logger}
	if err := d.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized", "path", path)
	return d, nil
}

func (d *DB) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			service    TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (service, id)
		);

		CREATE INDEX IF NOT EXISTS idx_entities_service_created
			ON entities(service, created_at);

		CREATE TABLE IF NOT EXISTS service_access (
			principal_id TEXT NOT NULL,
			service      TEXT NOT NULL,
			level        TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (principal_id, service),
			CHECK (level IN ('public', 'read', 'moderate', 'admin'))
		);

		CREATE TABLE IF NOT EXISTS agent_tokens (
			token        TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}
