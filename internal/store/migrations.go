package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationFS embeds the SQL migration files applied by Migrate.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNoChange is returned by Migrate when the database is already at
// the target version.
var ErrNoChange = migrate.ErrNoChange

// Migrate applies the embedded migrations to the database at dsn.
// direction must be "up" or "down". A database already at the target
// version returns ErrNoChange.
func Migrate(dsn, direction string) error {
	if dsn == "" {
		return errors.New("postgres dsn is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	return err
}
