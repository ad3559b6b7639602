// Command importcodes bulk-loads license codes from an XLSX or CSV
// sheet into the configured store and prints a per-row summary.
// Existing codes are reported as conflicts and left untouched.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"keyward/internal/app"
	"keyward/internal/config"
	"keyward/internal/importer"
	"keyward/internal/infrastructure"
	"keyward/internal/license"
	"keyward/internal/middleware"
	"keyward/internal/services"
	"keyward/internal/validation"
)

func main() {
	file := flag.String("file", "", "path to the XLSX or CSV import sheet")
	dryRun := flag.Bool("dry-run", false, "parse and report without writing to the store")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: importcodes -file codes.xlsx [-dry-run]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Warn("failed to initialize logger, using default", "error", err)
		logger = slog.Default()
	}

	if err := validation.NewSheetValidator(logger).ValidatePath(*file); err != nil {
		logger.Error("import sheet rejected", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rows, err := importer.ParseFile(*file)
	if err != nil {
		logger.Error("failed to parse import sheet",
			slog.String("file", *file),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	fmt.Printf("Parsed %d rows from %s\n", len(rows), filepath.Base(*file))

	if *dryRun {
		for _, row := range rows {
			if row.Err != nil {
				fmt.Printf("line %d: invalid: %v\n", row.Line, row.Err)
				continue
			}
			fmt.Printf("line %d: %s (%s)\n", row.Line, row.Params.Code, row.Params.Modality)
		}
		return
	}

	st, err := app.OpenStore(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store",
			slog.String("backend", cfg.Store.Backend),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	engine := license.NewEngine(license.EngineConfig{
		DefaultValidity: time.Duration(cfg.License.ValidityDays) * 24 * time.Hour,
		TrialValidity:   cfg.License.TrialValidity,
	})
	admin := services.NewAdminService(st, engine, nil, nil, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx = middleware.WithAdminActor(ctx, "importcodes")

	// From here on every log line carries the run's trace ID.
	logger = infrastructure.LoggerWithContext(ctx)

	results, importErr := admin.ImportCodes(ctx, rows)

	var created, conflicts, invalid int
	for _, res := range results {
		switch res.Status {
		case services.ImportCreated:
			created++
			fmt.Printf("line %d: created %s\n", res.Line, res.Code)
		case services.ImportConflict:
			conflicts++
			fmt.Printf("line %d: conflict %s: %s\n", res.Line, res.Code, res.Error)
		case services.ImportInvalid:
			invalid++
			fmt.Printf("line %d: invalid: %s\n", res.Line, res.Error)
		}
	}
	fmt.Printf("Import complete: %d created, %d conflicts, %d invalid\n", created, conflicts, invalid)

	if importErr != nil {
		logger.Error("import aborted", slog.String("error", importErr.Error()))
		os.Exit(1)
	}
}
