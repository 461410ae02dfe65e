// Package testutil provides shared helpers for package tests: an in-memory
// document store and a mock Helix server.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/luminbot/luminbot/db"
	"github.com/luminbot/luminbot/docstore"
)

// SetupTestDB opens a database for tests and runs migrations. By default it
// uses an in-memory sqlite database; set TEST_PG_DSN to run the same tests
// against Postgres.
func SetupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		dsn = "file:" + t.TempDir() + "/test.db"
	}
	database, dialect, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database, dialect); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database, dialect
}

// SetupTestStore returns a document store backed by SetupTestDB.
func SetupTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	database, dialect := SetupTestDB(t)
	return docstore.New(database, dialect)
}
