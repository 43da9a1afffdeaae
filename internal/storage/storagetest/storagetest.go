// Package storagetest opens throwaway SQLite databases for package tests.
package storagetest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/codebuildervaibhav/clubbot/internal/storage"
)

// Logger discards output unless the test runs with -v.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// Open creates a migrated SQLite database in t.TempDir with maxConns
// connections, closed when the test ends.
func Open(t testing.TB, maxConns int) *storage.DB {
	t.Helper()
	logger := Logger(t)
	db, err := storage.Open(context.Background(), storage.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		MaxConns: maxConns,
	}, logger)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(db.Close)
	if err := storage.Migrate(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// New returns a TxManager over a fresh database with eight connections.
func New(t testing.TB, opts ...storage.TxOption) *storage.TxManager {
	t.Helper()
	return storage.NewTxManager(Open(t, 8), Logger(t), opts...)
}
