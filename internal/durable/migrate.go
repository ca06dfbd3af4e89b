package durable

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const entityMigrationsPath = "migrations/entities"

//go:embed migrations/entities/*.sql
var migrationsFS embed.FS

// Migrate applies the entity-store migrations.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", entityMigrationsPath)
	}

	sourceDriver, err := iofs.New(migrationsFS, entityMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", entityMigrationsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", entityMigrationsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", entityMigrationsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", entityMigrationsPath, err)
	}
	return nil
}
