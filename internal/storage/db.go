// Package storage opens the relational database shared by the trace,
// delivery and configuration stores and carries the driver-specific
// helpers they need.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/untrace/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = migrations.DriverSQLite
	DriverPostgres = migrations.DriverPostgres
)

// DB wraps a *sql.DB with the driver it was opened with.
type DB struct {
	*sql.DB
	Driver string

	// SQLite allows only one writer at a time; serialize writes across every
	// store sharing this handle.
	writeMu sync.Mutex
}

// Open opens the configured driver and applies embedded migrations.
func Open(ctx context.Context, driver, path, dsn string) (*DB, []string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		return OpenSQLite(ctx, path)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*DB, []string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	db := &DB{DB: sqlDB, Driver: DriverSQLite}
	applied, err := db.migrate(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return db, applied, nil
}

// OpenPostgres opens a pooled Postgres connection through pgx.
func OpenPostgres(ctx context.Context, dsn string) (*DB, []string, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres database: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(contextOrBackground(ctx), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{DB: sqlDB, Driver: DriverPostgres}
	applied, err := db.migrate(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return db, applied, nil
}

func (d *DB) migrate(ctx context.Context) ([]string, error) {
	applied, err := migrations.Apply(contextOrBackground(ctx), d.DB, d.Driver)
	if err != nil {
		return nil, fmt.Errorf("ensure %s schema: %w", d.Driver, err)
	}
	return applied, nil
}

// IsPostgres reports whether the handle talks to Postgres.
func (d *DB) IsPostgres() bool {
	return d != nil && d.Driver == DriverPostgres
}

// Rebind rewrites '?' placeholders to $N for Postgres. Queries must not
// contain literal question marks.
func (d *DB) Rebind(query string) string {
	if !d.IsPostgres() || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Write runs fn as a write. On SQLite it holds the shared writer lock and
// retries lock contention.
func (d *DB) Write(ctx context.Context, fn func() error) error {
	if d.IsPostgres() {
		return fn()
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return RetryBusy(ctx, fn)
}

// Ping verifies connectivity with a short deadline.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	pingCtx, cancel := context.WithTimeout(contextOrBackground(ctx), 2*time.Second)
	defer cancel()
	return d.PingContext(pingCtx)
}

func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
