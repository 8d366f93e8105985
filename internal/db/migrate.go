package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver for goose
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/dbpool"
)

// ErrSchemaAhead is returned when the database carries migrations this
// binary does not know about, typically after a rollback to an older build.
var ErrSchemaAhead = errors.New("database schema is newer than this binary")

// RunMigrations brings the widget schema up to date with the goose files in
// fsys and then confirms the database version matches what fsys declares.
func RunMigrations(ctx context.Context, pool *dbpool.Pool, log *logrus.Logger, fsys fs.FS) error {
	sqlDB, err := sql.Open("pgx", pool.ConnString())
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := provider.Up(ctx)
	for _, r := range applied {
		entry := log.WithFields(logrus.Fields{
			"version":  r.Source.Version,
			"file":     r.Source.Path,
			"duration": r.Duration,
		})
		if r.Error != nil {
			entry.WithError(r.Error).Error("migration failed")
			continue
		}
		entry.Info("migration applied")
	}
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return checkVersion(ctx, provider, log)
}

func checkVersion(ctx context.Context, provider *goose.Provider, log *logrus.Logger) error {
	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	sources := provider.ListSources()
	var want int64
	if n := len(sources); n > 0 {
		want = sources[n-1].Version
	}

	if current > want {
		return fmt.Errorf("%w: database at %d, binary knows %d", ErrSchemaAhead, current, want)
	}

	log.WithField("version", current).Debug("schema up to date")

	return nil
}
