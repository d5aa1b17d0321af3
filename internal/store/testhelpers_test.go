package store

import (
	"path/filepath"
	"testing"
)

// newTestStore opens a fresh SQLite-backed store under t.TempDir(), with no
// event bus attached (publish becomes a no-op nil check throughout this
// package), and registers cleanup to close it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskhub.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
