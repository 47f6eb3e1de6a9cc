// Package testutil holds helpers shared by package tests: throwaway
// databases and an in-memory source service.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lherron/cardsync/internal/db"
	"github.com/lherron/cardsync/internal/ledger"
	"github.com/lherron/cardsync/internal/store"
)

// TempDB creates a migrated temporary SQLite database for testing
func TempDB(t *testing.T) (*db.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database, dbPath
}

// Env bundles a temp database with the stores built on it.
type Env struct {
	DB     *db.DB
	Path   string
	Store  *store.Store
	Ledger *ledger.Ledger
}

// NewEnv creates a temp database plus store and ledger.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	database, path := TempDB(t)
	return &Env{
		DB:     database,
		Path:   path,
		Store:  store.New(database),
		Ledger: ledger.New(database),
	}
}

// Board creates a target board and fails the test on error.
func (e *Env) Board(t *testing.T, name string) string {
	t.Helper()
	id, err := e.Store.Boards.Create(t.Context(), name)
	if err != nil {
		t.Fatalf("Failed to create board %s: %v", name, err)
	}
	return id
}

// WriteFile writes content to a file in dir
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}
