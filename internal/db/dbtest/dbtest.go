// Package dbtest opens throwaway SQLite stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mind-attention/internal/db"
	"mind-attention/pkg/writer"
)

// Open creates a migrated store in a temp dir with a running serializer.
// Both are closed when the test finishes.
func Open(t testing.TB) (*db.DB, *writer.Serializer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attention.db")
	store, err := db.Connect(context.Background(), "sqlite", path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		t.Fatalf("migrate test db: %v", err)
	}
	w := writer.New(store, writer.Options{Timeout: 10 * time.Second})
	t.Cleanup(func() {
		w.Close()
		_ = store.Close()
	})
	return store, w
}
