// Command migrate applies SQL schema migrations from the migrations
// directory. Each *.up.sql file runs in its own transaction and is
// recorded in schema_migrations; *.down.sql files revert in reverse
// order.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multisafe/custody/internal/logger"
)

// migrationStep is one pending migration file to execute.
type migrationStep struct {
	Path    string
	Version string
}

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
		dir       = flag.String("dir", "", "Migrations directory (default: ./migrations)")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), *dsn, *direction, *steps, *dir); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dsn, direction string, steps int, dir string) error {
	if dsn == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be 'up' or 'down', got %q", direction)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	if dir == "" {
		dir = migrationsDir()
	}
	files, err := findMigrations(dir, direction)
	if err != nil {
		return err
	}

	plan := planMigrations(files, applied, direction, steps)
	if len(plan) == 0 {
		slog.Info("no migrations to apply")
		return nil
	}

	for _, step := range plan {
		if err := applyMigration(ctx, pool, step, direction); err != nil {
			return err
		}
		slog.Info("applied migration", "version", step.Version, "direction", direction)
	}
	slog.Info("migrations complete", "count", len(plan))
	return nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// migrationsDir resolves the migrations directory, falling back to a
// path next to the executable when ./migrations does not exist.
func migrationsDir() string {
	const dir = "migrations"
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		execPath, _ := os.Executable()
		return filepath.Join(filepath.Dir(execPath), dir)
	}
	return dir
}

// findMigrations lists migration files for the given direction in
// execution order: ascending for up, descending for down.
func findMigrations(dir, direction string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+directionSuffix(direction)))
	if err != nil {
		return nil, fmt.Errorf("failed to find migration files: %w", err)
	}
	sort.Strings(files)
	if direction == "down" {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}
	return files, nil
}

// planMigrations selects the files that still need to run. Up skips
// already-applied versions, down skips versions never applied, and a
// positive steps value caps the plan length.
func planMigrations(files []string, applied map[string]bool, direction string, steps int) []migrationStep {
	var plan []migrationStep
	for _, file := range files {
		version := strings.TrimSuffix(filepath.Base(file), directionSuffix(direction))
		if direction == "up" && applied[version] {
			continue
		}
		if direction == "down" && !applied[version] {
			continue
		}
		if steps > 0 && len(plan) >= steps {
			break
		}
		plan = append(plan, migrationStep{Path: file, Version: version})
	}
	return plan
}

func directionSuffix(direction string) string {
	if direction == "down" {
		return ".down.sql"
	}
	return ".up.sql"
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, step migrationStep, direction string) error {
	content, err := os.ReadFile(step.Path)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", step.Path, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", step.Version, err)
	}

	if direction == "up" {
		_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", step.Version)
	} else {
		_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", step.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to update migrations table for %s: %w", step.Version, err)
	}

	return tx.Commit(ctx)
}
