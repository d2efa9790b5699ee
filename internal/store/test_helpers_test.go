package store

import (
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestPaid creates a JobPaid record with minimal required fields.
func createTestPaid(id uint64, user string, block uint64, paidAt int64) PaidEvent {
	return PaidEvent{
		ID:     id,
		User:   user,
		Amount: "1000000000000000",
		Tx:     "0xpaid",
		Block:  block,
		Time:   paidAt,
	}
}
