// Package testutil holds fixtures shared by the package tests: a migrated
// temp store, a test config, an in-memory registry and a scripted adapter.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/store"
)

// NewTestStore opens a migrated SQLite store under t.TempDir and closes it
// when the test ends.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "llmrelay-test.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// NewSyncedStore is NewTestStore with snap already loaded.
func NewSyncedStore(t *testing.T, snap store.Snapshot) *store.Store {
	t.Helper()
	st := NewTestStore(t)
	if _, err := st.SyncRegistry(context.Background(), snap); err != nil {
		t.Fatalf("syncing test registry: %v", err)
	}
	return st
}

// NewTestConfig returns the default config with its data dir under
// t.TempDir. It declares no providers or models.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	return cfg
}
