// Package migrations embeds the schema for each supported database driver.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

type dialect struct {
	ledgerDDL string
	claimSQL  string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		claimSQL: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
	},
	DriverPostgres: {
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		claimSQL: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	},
}

// Apply runs every embedded migration for driver that schema_migrations has
// not recorded yet, in file name order, and returns the names it applied.
// Each file runs in its own transaction together with its ledger row.
func Apply(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	driver, d, err := lookup(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, d.ledgerDDL); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	names, err := Names(driver)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range names {
		ran, err := d.run(ctx, db, name)
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if ran {
			applied = append(applied, name)
		}
	}
	return applied, nil
}

// Names lists the embedded migration files for driver, sorted.
func Names(driver string) ([]string, error) {
	driver, _, err := lookup(driver)
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(embedded, path.Join(driver, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list %s migrations: %w", driver, err)
	}
	slices.Sort(names)
	return names, nil
}

func lookup(driver string) (string, dialect, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return "", dialect{}, fmt.Errorf("unsupported migration driver %q", driver)
	}
	return driver, d, nil
}

// run claims name in the ledger and executes its body in one transaction.
// It reports false when another run already recorded the migration.
func (d dialect) run(ctx context.Context, db *sql.DB, name string) (ran bool, err error) {
	body, err := embedded.ReadFile(name)
	if err != nil {
		return false, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if !ran || err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, d.claimSQL, name)
	if err != nil {
		return false, fmt.Errorf("record migration: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil || rows == 0 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return false, fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}
