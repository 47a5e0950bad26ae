package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/hpungsan/carchat/internal/config"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestInit(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "nested", ".carchat")

	database, err := Init(baseDir)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer database.Close()

	info, err := os.Stat(filepath.Join(baseDir, FileName))
	if err != nil {
		t.Fatalf("database file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("database file mode = %o, want 600", perm)
	}

	pragmas := map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"busy_timeout": "5000",
	}
	for name, want := range pragmas {
		var got string
		if err := database.QueryRow("PRAGMA " + name).Scan(&got); err != nil {
			t.Fatalf("PRAGMA %s: %v", name, err)
		}
		if got != want {
			t.Errorf("PRAGMA %s = %s, want %s", name, got, want)
		}
	}
}

func TestInit_Schema(t *testing.T) {
	database := openTestDB(t)

	objects := []struct {
		kind string
		name string
	}{
		{"table", "conversations"},
		{"table", "messages"},
		{"table", "context_entries"},
		{"table", "conversation_capabilities"},
		{"index", "idx_conversations_subject_activity"},
		{"index", "idx_conversations_session_activity"},
		{"index", "idx_conversations_open"},
		{"index", "idx_messages_created"},
		{"index", "idx_context_entries_conversation"},
		{"index", "idx_context_entries_key"},
	}
	for _, o := range objects {
		var name string
		err := database.QueryRow("SELECT name FROM sqlite_master WHERE type=? AND name=?", o.kind, o.name).Scan(&name)
		if err != nil {
			t.Errorf("%s %s not found: %v", o.kind, o.name, err)
		}
	}
}

func TestInit_MigrationIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := Init(dir)
	if err != nil {
		t.Fatalf("first Init() error = %v", err)
	}
	if _, err := first.Exec(`INSERT INTO conversations (id, subject_id, snapshot_json, started_at, last_activity_at)
		VALUES ('c1', 'car-1', '{}', 1, 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Close()

	second, err := Init(dir)
	if err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	defer second.Close()

	version, err := GetUserVersion(second)
	if err != nil {
		t.Fatalf("GetUserVersion() error = %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, CurrentSchemaVersion)
	}

	var count int
	if err := second.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("conversations after reopen = %d, want 1", count)
	}
}

func TestSetUserVersion(t *testing.T) {
	database := openTestDB(t)

	if err := SetUserVersion(database, 99); err != nil {
		t.Fatalf("SetUserVersion() error = %v", err)
	}
	version, err := GetUserVersion(database)
	if err != nil {
		t.Fatalf("GetUserVersion() error = %v", err)
	}
	if version != 99 {
		t.Errorf("user_version = %d, want 99", version)
	}
}

func TestSchemaConstraints(t *testing.T) {
	database := openTestDB(t)
	if _, err := database.Exec(`INSERT INTO conversations (id, subject_id, snapshot_json, started_at, last_activity_at)
		VALUES ('c1', 'car-1', '{}', 1, 1)`); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if _, err := database.Exec(`INSERT INTO messages (id, conversation_id, seq, direction, content, created_at)
		VALUES ('m1', 'c1', 1, 'user', 'oi', 1)`); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	tests := []struct {
		name string
		stmt string
	}{
		{
			name: "unknown direction",
			stmt: `INSERT INTO messages (id, conversation_id, seq, direction, content, created_at)
				VALUES ('m2', 'c1', 2, 'system', 'x', 1)`,
		},
		{
			name: "duplicate seq",
			stmt: `INSERT INTO messages (id, conversation_id, seq, direction, content, created_at)
				VALUES ('m3', 'c1', 1, 'assistant', 'x', 1)`,
		},
		{
			name: "missing conversation",
			stmt: `INSERT INTO messages (id, conversation_id, seq, direction, content, created_at)
				VALUES ('m4', 'nope', 1, 'user', 'x', 1)`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := database.Exec(tt.stmt); err == nil {
				t.Error("expected constraint violation")
			}
		})
	}
}

func TestConfigurePool(t *testing.T) {
	database := openTestDB(t)

	ConfigurePool(database, nil)
	ConfigurePool(database, &config.Config{DBMaxOpenConns: 4, DBMaxIdleConns: 2})

	if got := database.Stats().MaxOpenConnections; got != 4 {
		t.Errorf("MaxOpenConnections = %d, want 4", got)
	}
}
