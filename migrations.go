package gateflow

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies embedded Postgres migrations that have not been applied yet.
// Each file runs in its own transaction together with its bookkeeping row.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := migrationNames(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	const createLedger = `
CREATE TABLE IF NOT EXISTS public.gateflow_schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := pool.Exec(ctx, createLedger); err != nil {
		return fmt.Errorf("create migrations ledger: %w", err)
	}

	for _, file := range files {
		var applied bool
		const checkQuery = `SELECT EXISTS (SELECT 1 FROM public.gateflow_schema_migrations WHERE name = $1)`
		if err := pool.QueryRow(ctx, checkQuery, file).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + file)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", file, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)

			return fmt.Errorf("execute migration %s: %w", file, err)
		}
		const recordQuery = `INSERT INTO public.gateflow_schema_migrations (name) VALUES ($1)`
		if _, err := tx.Exec(ctx, recordQuery, file); err != nil {
			_ = tx.Rollback(ctx)

			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}

func migrationNames(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	// 0001_..., 0002_...
	sort.Strings(files)

	return files, nil
}
