// Command migrate applies the embedded Postgres schema migrations.
//
// The server can run migrations itself when store.migrate_on_start is
// set; this command exists for deployments that migrate as a separate
// release step.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"keyward/internal/config"
	"keyward/internal/store"
)

func main() {
	direction := flag.String("direction", "up", "up | down")
	dsn := flag.String("dsn", "", "postgres DSN (defaults to the configured store.postgres_dsn)")
	flag.Parse()

	if *dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		*dsn = cfg.Store.PostgresDSN
	}
	if *dsn == "" {
		slog.Error("no postgres DSN: pass -dsn or set store.postgres_dsn")
		os.Exit(1)
	}

	err := store.Migrate(*dsn, *direction)
	switch {
	case errors.Is(err, store.ErrNoChange):
		fmt.Println("Database already up to date")
	case err != nil:
		slog.Error("migration failed",
			slog.String("direction", *direction),
			slog.String("error", err.Error()))
		os.Exit(1)
	default:
		fmt.Printf("Migrations applied: %s\n", *direction)
	}
}
