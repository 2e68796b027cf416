package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/possync/migrations"
	_ "modernc.org/sqlite"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_LocalSchema(t *testing.T) {
	// Given: A fresh database with no tables
	db := openRawDB(t)

	// When: RunMigrations is called for the local schema
	if err := RunMigrations(db, migrations.LocalDir); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// Then: Every record table exists with the sync columns
	for _, table := range Tables {
		_, err := db.Exec(`SELECT id, data, updated_at, synced, deleted FROM ` + string(table) + ` LIMIT 0`)
		if err != nil {
			t.Errorf("table %s missing or has wrong columns: %v", table, err)
		}
	}
	if _, err := db.Exec(`SELECT key, value FROM metadata LIMIT 0`); err != nil {
		t.Errorf("metadata table missing: %v", err)
	}
}

func TestRunMigrations_RemoteSchema(t *testing.T) {
	db := openRawDB(t)

	if err := RunMigrations(db, migrations.RemoteDir); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	if _, err := db.Exec(`SELECT collection, id, data, created, updated FROM records LIMIT 0`); err != nil {
		t.Errorf("records table missing or has wrong columns: %v", err)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	db := openRawDB(t)
	if err := RunMigrations(db, migrations.LocalDir); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// When: RunMigrations is called again
	// Then: It succeeds without changes
	if err := RunMigrations(db, migrations.LocalDir); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestRunMigrations_UnknownDir(t *testing.T) {
	db := openRawDB(t)

	if err := RunMigrations(db, "nope"); err == nil {
		t.Fatal("expected error for unknown migration directory")
	}
}
