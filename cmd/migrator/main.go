// Command migrator applies the ingest schema to Postgres. Migrations are
// embedded in the binary and applied in lexical order inside transactions,
// with applied files tracked in schema_migrations so reruns are safe.
package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/7and1/bestvpnserver/pkg/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	exitFatal = func(err error) {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("migrator")
	}
	openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "migrator").Logger()

	pool, err := openDBFn(ctx)
	if err != nil {
		exitFatal(fmt.Errorf("db: %w", err))
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, migrationFS, logger); err != nil {
		exitFatal(err)
	}
}

func runMigrations(ctx context.Context, db migrationDB, fsys fs.FS, logger zerolog.Logger) error {
	if db == nil {
		return fmt.Errorf("db required")
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		name := file[len("migrations/"):]
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			continue
		}
		sqlBytes, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied++
		logger.Info().Str("file", name).Msg("applied migration")
	}

	logger.Info().Int("applied", applied).Int("total", len(files)).Msg("migrations up to date")
	return nil
}
