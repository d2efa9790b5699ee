package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"cases", "meta"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestSchema_CasesTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "cases")
	expected := []string{
		"id", "user", "amount", "paid_tx", "paid_block", "paid_time",
		"completed", "report_cid", "completed_tx", "completed_block", "completed_time",
		"failed", "fail_reason", "refunded", "refunded_tx", "refunded_time",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("cases table missing column %q", col)
		}
	}
}

func TestSchema_UserVersion(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("user_version", "2"); err != nil {
		t.Error(err)
	}
}

// A database created by the first release has no failure or refund columns.
func TestMigration_FromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE cases (
		  id INTEGER PRIMARY KEY,
		  user TEXT NOT NULL,
		  amount TEXT NOT NULL,
		  paid_tx TEXT,
		  paid_block INTEGER,
		  paid_time INTEGER,
		  completed INTEGER DEFAULT 0,
		  report_cid TEXT,
		  completed_tx TEXT,
		  completed_block INTEGER,
		  completed_time INTEGER
		);
		INSERT INTO cases (id, user, amount, paid_tx, paid_block, paid_time)
		VALUES (7, '0xabc', '100', '0xtx', 10, 1700000000);
	`)
	if err != nil {
		t.Fatalf("legacy schema failed: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() on legacy db failed: %v", err)
	}
	defer s.Close()

	columns := getTableColumns(t, s.db, "cases")
	for _, col := range []string{"failed", "fail_reason", "refunded", "refunded_tx", "refunded_time"} {
		if !contains(columns, col) {
			t.Errorf("migration did not add column %q", col)
		}
	}

	if err := s.MarkFailed(t.Context(), 7, "detector_error: boom"); err != nil {
		t.Fatalf("MarkFailed on migrated row failed: %v", err)
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("table_info(%s) failed: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan table_info failed: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
