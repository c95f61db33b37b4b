package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/a-marczewski/tinyinfer/internal/config"

	_ "github.com/mattn/go-sqlite3"
)

const (
	SchemaVersion = 2
)

// DB represents the database connection
type DB struct {
	conn *sql.DB
	path string
}

// NewDB creates a new database connection
func NewDB(cfg *config.Config) (*DB, error) {
	return Open(cfg.DBPath)
}

// Open creates or opens the SQLite store at path and applies migrations.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Each new connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
	}

	database := &DB{conn: conn, path: path}

	if err := database.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return database, nil
}

// migrate applies database migrations
func (db *DB) migrate() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < SchemaVersion {
		version++
		switch version {
		case 1:
			if err := db.applySchemaV1(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		case 2:
			if err := db.applySchemaV2(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// applySchemaV1 creates the telemetry history tables.
func (db *DB) applySchemaV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS performance_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			response_time_ms REAL NOT NULL,
			tokens_per_second REAL NOT NULL,
			memory_usage_mb REAL NOT NULL,
			success INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT 'live',
			run_id TEXT,
			recorded_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_performance_samples_recorded
			ON performance_samples(recorded_at);
		CREATE INDEX IF NOT EXISTS idx_performance_samples_run
			ON performance_samples(run_id);

		CREATE TABLE IF NOT EXISTS benchmark_runs (
			id TEXT PRIMARY KEY,
			model_identifier TEXT,
			average_response_time_ms REAL NOT NULL,
			average_tokens_per_second REAL NOT NULL,
			total_samples INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS privacy_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK (kind IN ('local', 'transmission')),
			bytes INTEGER NOT NULL DEFAULT 0,
			recorded_at DATETIME NOT NULL
		);
	`)
	return err
}

// applySchemaV2 adds the persistent embedding cache.
func (db *DB) applySchemaV2(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			embedding_model TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (content_hash, embedding_model)
		);
	`)
	return err
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// GetConnection returns the underlying database connection
func (db *DB) GetConnection() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping verifies the connection is usable.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// UserVersion reports the applied schema version.
func (db *DB) UserVersion() (int, error) {
	var version int
	err := db.conn.QueryRow("PRAGMA user_version").Scan(&version)
	return version, err
}
