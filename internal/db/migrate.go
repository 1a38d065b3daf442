package db

import (
	"embed"
	"errors"
	"fmt"
	"path"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/usersvc/apiserver/config"
)

//go:embed migrations
var migrationsFS embed.FS

// MigrateUp applies all pending migrations for the configured database type.
// In-memory SQLite databases are not supported: the migrator opens its own connection.
func MigrateUp(cfg config.DatabaseConfig) error {
	return withMigrator(cfg, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back the given number of migrations.
func MigrateDown(cfg config.DatabaseConfig, steps int) error {
	if steps < 1 {
		return fmt.Errorf("invalid number of steps: %d", steps)
	}
	return withMigrator(cfg, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		return nil
	})
}

// MigrationVersion returns the current schema version and whether it is dirty.
func MigrationVersion(cfg config.DatabaseConfig) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := withMigrator(cfg, func(m *migrate.Migrate) error {
		var err error
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return err
	})
	return version, dirty, err
}

func withMigrator(cfg config.DatabaseConfig, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationsFS, path.Join("migrations", cfg.MigrationsDir()))
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	dbURL, err := cfg.MigrationURL()
	if err != nil {
		return err
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	return fn(migrator)
}
