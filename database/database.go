// Package database provides the SQLite journal of dispense cycles run from this panel.
//
// The backend keeps the authoritative history; the journal is the operator's
// local record of what the panel itself commanded: when a cycle started, the
// requested volumes, how it ended (completed, emergency stop, abandoned) and
// whether the backend acknowledged the outcome.
//
// # Usage Example
//
//	db, err := database.New(database.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.RecordCycleStart(ctx, cycleID, 500, 100, traceID, time.Now())
//	...
//	err = db.RecordCycleEnd(ctx, cycleID, database.CycleEnd{
//		Status:   database.CycleStatusCompleted,
//		Progress: 100,
//	})
//
// # Concurrency
//
// The database uses WAL mode with a 5-second busy timeout, so the panel and a
// concurrent `mixctl cycles` invocation can read while a cycle is being written.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQL database with helper methods for the cycle journal.
type DB struct {
	db   *sql.DB
	path string // Path to the database file (for diagnostic logging)
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            defaultPath(),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

func defaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "mixctl-journal.db"
	}
	return filepath.Join(dir, "mixctl", "journal.db")
}

// New opens the journal, creating the file, its directory and the schema as needed.
//
// SQLite is configured with:
//   - WAL (Write-Ahead Logging) for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout
func New(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	d := &DB{
		db:   db,
		path: cfg.Path,
	}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// initSchema creates the database schema if it doesn't exist.
func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	migrations := []migration{
		{version: 1, description: "Initial dispense_cycles schema", sql: initialSchema},
		{version: 2, description: "Add notify_error and trace_id columns", sql: notifyAndTraceSchema},
	}

	for _, m := range migrations {
		if err := d.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}

	return nil
}

type migration struct {
	version     int
	description string
	sql         string
}

func (d *DB) runMigration(m migration) error {
	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	if exists {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := d.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
