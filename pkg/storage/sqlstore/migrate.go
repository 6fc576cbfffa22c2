package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/sqldb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Latest is passed to Migrate to apply every migration.
const Latest = -1

// Migrate runs the chart_data migrations against the database at dsn.
//   - If targetVersion < 0, it migrates to the latest version.
//   - If targetVersion == 0, it rolls back all migrations.
//   - If targetVersion > 0, it migrates to the specified version.
//
// It uses its own connection, which is closed before returning.
func Migrate(ctx context.Context, d sqldb.Dialect, dsn string, targetVersion int) error {
	db, err := sqldb.Open(ctx, d, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return migrateDB(ctx, db.DB, d, targetVersion)
}

func migrateDB(ctx context.Context, db *sql.DB, d sqldb.Dialect, targetVersion int) error {
	// Create a migrate driver instance
	var driver database.Driver
	var err error
	switch d {
	case sqldb.SQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	case sqldb.MySQL:
		driver, err = mysql.WithInstance(db, &mysql.Config{})
	case sqldb.Postgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		return fmt.Errorf("unsupported backend: %s", d)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migrate driver: %w", d, err)
	}

	migrationFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access migrations directory: %w", err)
	}
	sourceDriver, err := iofs.New(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(d), driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state at version %d. Please fix manually or force version", currentVersion)
	}

	switch {
	case targetVersion < 0:
		err = m.Up()
	case targetVersion == 0:
		err = m.Down()
	default:
		err = m.Migrate(uint(targetVersion))
	}

	logger := log.Get(ctx)
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug().Uint("version", currentVersion).Msg("chart store schema is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to migrate chart store to version %d: %w", targetVersion, err)
	}

	newVersion, _, _ := m.Version()
	logger.Info().Uint("from", currentVersion).Uint("to", newVersion).Msg("migrated chart store schema")
	return nil
}
