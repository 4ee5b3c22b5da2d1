package persistence

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every pending migration embedded in this package. A
// nil db is a no-op, matching a daemon run with persistence disabled.
func Migrate(db *sqlx.DB) error {
	if db == nil {
		return nil
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("persistence: open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("persistence: postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "omikuji", driver)
	if err != nil {
		return fmt.Errorf("persistence: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("persistence: apply migrations: %w", err)
	}
	return nil
}
