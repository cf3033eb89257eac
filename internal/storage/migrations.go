// -------------------------------------------------------------------------------
// Migrations - Embedded Goose Schema Migrations
//
// Author: Alex Freidah
//
// Schema migrations for both backends are embedded in the binary and applied
// at startup with the goose provider API.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// runMigrations applies the embedded migrations for the given dialect.
func runMigrations(ctx context.Context, db *sql.DB, d dialect) error {
	gooseDialect, dir := goose.DialectPostgres, "migrations/postgres"
	if d == dialectSQLite {
		gooseDialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	}

	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(gooseDialect, db, sub)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("Applied migration", "version", r.Source.Version, "duration", r.Duration.String())
	}
	return nil
}
