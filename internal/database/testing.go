package database

import (
	"fmt"
	"path/filepath"
	"testing"
)

// newTestDB opens a throwaway database in a temp dir with the full
// production schema applied.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// backdateQueueItem shifts a queue item's created_at so ordering tests do
// not depend on insertion timing within one second.
func backdateQueueItem(t *testing.T, db *DB, id string, seconds int) {
	t.Helper()

	_, err := db.conn.Exec(
		`UPDATE queue_items SET created_at = datetime('now', ?) WHERE id = ?`,
		fmt.Sprintf("-%d seconds", seconds), id)
	if err != nil {
		t.Fatalf("failed to backdate queue item: %v", err)
	}
}
