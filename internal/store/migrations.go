package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/hyperengineering/possync/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending migrations from one directory of the
// embedded migrations filesystem (migrations.LocalDir or migrations.RemoteDir).
// A goose Provider is used instead of the package-level API so that several
// databases can be migrated concurrently.
func RunMigrations(db *sql.DB, dir string) error {
	fsys, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", dir, err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
