package testsupport

import (
	"testing"

	"kiln/internal/checkpoint"
	"kiln/internal/config"
	"kiln/internal/history"
	"kiln/internal/logging"
)

// MustOpenCheckpoint opens a checkpoint store for tests and registers cleanup.
func MustOpenCheckpoint(t testing.TB, cfg *config.Config, runKey string) *checkpoint.Store {
	t.Helper()

	store, err := checkpoint.Open(cfg.Paths.StateDir, runKey, logging.NewNop())
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenHistory opens the run history database for tests and registers cleanup.
func MustOpenHistory(t testing.TB, cfg *config.Config) *history.Store {
	t.Helper()

	store, err := history.Open(cfg)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
