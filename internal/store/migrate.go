package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

type dialect struct {
	dir         string
	table       string
	createTable string
	insert      string
	stamp       func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:         "migrations/sqlite",
		table:       "schema_migrations",
		createTable: "CREATE TABLE IF NOT EXISTS %s (\n  version TEXT PRIMARY KEY,\n  applied_at TEXT NOT NULL\n)",
		insert:      "INSERT INTO %s(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING",
		stamp:       func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir:         "migrations/postgres",
		table:       "covenant_schema_migrations",
		createTable: "CREATE TABLE IF NOT EXISTS %s (\n  version TEXT PRIMARY KEY,\n  applied_at TIMESTAMPTZ NOT NULL\n)",
		insert:      "INSERT INTO %s(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING",
		stamp:       func(t time.Time) any { return t },
	},
}

// Migrate applies the embedded migrations for driver in file-name order.
// Each version is claimed in the migrations table inside the same
// transaction as its SQL, so concurrent or repeated runs apply it once.
func Migrate(ctx context.Context, db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("unsupported db driver: %s", driver)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(d.createTable, d.table)); err != nil {
		return fmt.Errorf("create %s: %w", d.table, err)
	}

	files, err := listMigrationFiles(d.dir)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")
		contents, err := migrationsFS.ReadFile(file)
		if err != nil {
			return err
		}
		if err := applyMigration(ctx, db, d, version, string(contents), now); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, d dialect, version, contents string, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(d.insert, d.table), version, d.stamp(now))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if affected == 0 {
		return tx.Rollback()
	}
	if _, err := tx.ExecContext(ctx, contents); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func listMigrationFiles(dir string) ([]string, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, path.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
