// Package testutil holds helpers shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/gkobilansky/abgoat/internal/engine"
	"github.com/gkobilansky/abgoat/internal/store"
)

// SetupTestStore creates a test database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// SetupTestEngine returns an engine over a fresh SQLite store. Auto-complete
// is off so tests decide when a test ends.
func SetupTestEngine(t *testing.T) (*engine.Engine, *store.SQLiteStore) {
	t.Helper()

	s := SetupTestStore(t)
	cfg := engine.DefaultConfig()
	cfg.AutoComplete = false
	return engine.New(s, cfg, zaptest.NewLogger(t)), s
}
