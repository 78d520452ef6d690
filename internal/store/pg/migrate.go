package pg

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/control/*.sql migrations/tenant/*.sql
var migrationsFS embed.FS

// MigrateControl applies the control-plane migrations to the public schema.
func MigrateControl(ctx context.Context, db *pgxpool.Pool) error {
	return applyDir(ctx, db, "public", "migrations/control")
}

// ProvisionTenant creates the partition schema for partitionKey and applies the
// tenant migrations inside it. It is safe to call repeatedly.
func ProvisionTenant(ctx context.Context, db *pgxpool.Pool, partitionKey string) error {
	if err := ValidatePartitionKey(partitionKey); err != nil {
		return err
	}
	schema := pgx.Identifier{partitionKey}.Sanitize()
	if _, err := db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema %s: %w", partitionKey, err)
	}
	return applyDir(ctx, db, partitionKey, "migrations/tenant")
}

func applyDir(ctx context.Context, db *pgxpool.Pool, schema, dir string) error {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		if err := applyMigration(ctx, db, schema, dir, f); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *pgxpool.Pool, schema, dir, file string) error {
	version := strings.TrimSuffix(file, ".sql")
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists); err != nil {
		return fmt.Errorf("check migration %s: %w", file, err)
	}
	if exists {
		return nil
	}

	sqlBytes, err := migrationsFS.ReadFile(dir + "/" + file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	slog.Default().InfoContext(ctx, "applying migration", "schema", schema, "version", version)

	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}
