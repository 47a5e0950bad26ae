package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/carchat/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// FileName is the database file created inside the base directory.
const FileName = "carchat.db"

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Init initializes the SQLite database at baseDir/carchat.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.carchat.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	// Pragmas in the DSN apply to every pooled connection. Write transactions
	// start IMMEDIATE so concurrent appends queue on busy_timeout.
	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS conversations (
		  id                 TEXT PRIMARY KEY,
		  subject_id         TEXT NOT NULL,
		  snapshot_json      TEXT NOT NULL,
		  session_id         TEXT,
		  started_at         INTEGER NOT NULL,
		  last_activity_at   INTEGER NOT NULL,
		  closed_at          INTEGER,
		  total_messages     INTEGER NOT NULL DEFAULT 0,
		  primary_capability TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_subject_activity
		ON conversations(subject_id, last_activity_at DESC);

		CREATE INDEX IF NOT EXISTS idx_conversations_session_activity
		ON conversations(session_id, last_activity_at DESC)
		WHERE session_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_conversations_open
		ON conversations(subject_id, session_id)
		WHERE closed_at IS NULL;

		CREATE TABLE IF NOT EXISTS messages (
		  id                TEXT PRIMARY KEY,
		  conversation_id   TEXT NOT NULL REFERENCES conversations(id),
		  seq               INTEGER NOT NULL,
		  direction         TEXT NOT NULL CHECK(direction IN ('user', 'assistant')),
		  content           TEXT NOT NULL,
		  capability        TEXT,
		  confidence        REAL,
		  latency_ms        INTEGER,
		  data_sources_json TEXT,
		  followups_json    TEXT,
		  created_at        INTEGER NOT NULL,
		  UNIQUE(conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_created
		ON messages(created_at);

		CREATE TABLE IF NOT EXISTS context_entries (
		  id                TEXT PRIMARY KEY,
		  conversation_id   TEXT NOT NULL REFERENCES conversations(id),
		  entry_type        TEXT NOT NULL,
		  entry_key         TEXT NOT NULL,
		  entry_value       TEXT NOT NULL,
		  confidence        REAL NOT NULL,
		  source_message_id TEXT REFERENCES messages(id),
		  created_at        INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_context_entries_conversation
		ON context_entries(conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_context_entries_key
		ON context_entries(entry_key);

		CREATE TABLE IF NOT EXISTS conversation_capabilities (
		  conversation_id TEXT NOT NULL REFERENCES conversations(id),
		  capability      TEXT NOT NULL,
		  uses            INTEGER NOT NULL,
		  first_seen_seq  INTEGER NOT NULL,
		  PRIMARY KEY (conversation_id, capability)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
