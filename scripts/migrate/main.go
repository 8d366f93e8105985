// Package main imports dashboard widgets from a local-first SQLite store into
// the dashsync PostgreSQL schema. Imported rows keep their version so that
// clients holding an exported copy can keep editing without a conflict.
//
// Usage:
//
//	SQLITE_PATH=/path/to/dashboards.sqlite DATABASE_URL=postgres://... go run ./scripts/migrate
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	_ "modernc.org/sqlite"
)

// config holds environment-driven import settings.
type config struct {
	SQLitePath  string
	DatabaseURL string
	DryRun      bool
}

// skippedWidget records a row that could not be imported.
type skippedWidget struct {
	ID     string
	Reason string
}

// report holds the final import summary.
type report struct {
	Source          string
	Target          string
	Dashboards      int
	WidgetsRead     int
	WidgetsInserted int
	WidgetsVerified int
	Skipped         []skippedWidget
	SpotChecks      []string
	Duration        time.Duration
	DryRun          bool
	Err             error
}

func main() {
	cfg := loadConfig()
	if cfg.DatabaseURL == "" && !cfg.DryRun {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	slog.Info("starting import", "sqlite", cfg.SQLitePath, "dry_run", cfg.DryRun)

	start := time.Now()
	r, err := runImport(context.Background(), cfg)
	r.Duration = time.Since(start)
	if err != nil {
		r.Err = err
		slog.Error("import failed", "error", err)
	}
	printReport(&r)
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration from environment variables.
func loadConfig() config {
	return config{
		SQLitePath:  envOr("SQLITE_PATH", "dashboards.sqlite"),
		DatabaseURL: envOr("DATABASE_URL", ""),
		DryRun:      os.Getenv("DRY_RUN") == "true" || os.Getenv("DRY_RUN") == "1",
	}
}

// runImport executes the full import pipeline inside one transaction.
func runImport(ctx context.Context, cfg config) (report, error) {
	r := report{
		Source: cfg.SQLitePath,
		Target: sanitizeURL(cfg.DatabaseURL),
		DryRun: cfg.DryRun,
	}

	lite, err := sql.Open("sqlite", cfg.SQLitePath+"?mode=ro")
	if err != nil {
		return r, fmt.Errorf("open sqlite: %w", err)
	}
	defer lite.Close()

	rows, err := readWidgets(ctx, lite)
	if err != nil {
		return r, fmt.Errorf("read widgets: %w", err)
	}
	r.WidgetsRead = len(rows)
	slog.Info("read widgets from sqlite", "count", r.WidgetsRead)

	widgets, skipped := normalizeWidgets(rows)
	r.Skipped = skipped
	r.Dashboards = len(dashboardSet(widgets))

	if cfg.DryRun {
		slog.Info("dry run, skipping PostgreSQL writes")
		r.WidgetsInserted = len(widgets)
		return r, nil
	}

	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return r, fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return r, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	r.WidgetsInserted, err = insertWidgets(ctx, tx, widgets)
	if err != nil {
		return r, fmt.Errorf("insert widgets: %w", err)
	}
	slog.Info("inserted widgets", "count", r.WidgetsInserted, "skipped", len(r.Skipped))

	r.WidgetsVerified, err = countImported(ctx, tx, widgets)
	if err != nil {
		return r, fmt.Errorf("verify widget count: %w", err)
	}

	r.SpotChecks = spotCheck(ctx, tx, widgets)

	if err := tx.Commit(ctx); err != nil {
		return r, fmt.Errorf("commit: %w", err)
	}
	slog.Info("transaction committed")
	return r, nil
}
