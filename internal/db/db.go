// Package db provides the persistent store for fleet.
//
// A single schema-versioned database (default ~/.fleet/fleet.db) holds
// sessions, file claims, merge subscriptions and events, budget periods,
// and conflict-resolution records. All writes flow through transactions
// on this store; it is the only shared mutable state between fleet
// processes.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codefleet/fleet/internal/db/driver"
	fleeterr "github.com/codefleet/fleet/internal/errors"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// TimeFormat is the canonical timestamp layout: UTC RFC3339 with second
// precision, matching what the schema stores.
const TimeFormat = "2006-01-02T15:04:05Z"

// DB wraps a database connection with dialect abstraction.
type DB struct {
	driver driver.Driver
	path   string
}

// DefaultPath returns the default database location (~/.fleet/fleet.db).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".fleet", "fleet.db")
	}
	return filepath.Join(home, ".fleet", "fleet.db")
}

// ExpandPath expands a leading ~ in a database path.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Open opens the database for a path or DSN. postgres:// and
// postgresql:// DSNs select the Postgres driver; anything else is a
// SQLite file path with a leading ~ expanded and the parent directory
// created if needed.
func Open(path string) (*DB, error) {
	dialect := DialectForDSN(path)
	if dialect == driver.DialectSQLite {
		path = ExpandPath(path)
	}
	return OpenWithDialect(path, dialect)
}

// DialectForDSN classifies a db_path value by its URI scheme.
func DialectForDSN(dsn string) driver.Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driver.DialectPostgres
	}
	return driver.DialectSQLite
}

// OpenInMemory opens an in-memory SQLite database migrated to the latest
// schema. Each call creates a new isolated database; intended for tests.
func OpenInMemory() (*DB, error) {
	drv := driver.NewSQLite()
	if err := drv.Open(":memory:"); err != nil {
		return nil, fleeterr.ErrStore("open in-memory db", err)
	}
	d := &DB{driver: drv, path: ":memory:"}
	if err := d.MigrateToLatest(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// OpenWithDialect opens a database with a specific dialect.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*DB, error) {
	if dialect == driver.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fleeterr.ErrStore("create db directory", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, fleeterr.ErrStore("create driver", err)
	}
	if err := drv.Open(dsn); err != nil {
		return nil, fleeterr.ErrStore("open database", err)
	}

	return &DB{driver: drv, path: dsn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// Path returns the database DSN/path.
func (d *DB) Path() string {
	return d.path
}

// Dialect returns the database dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.driver.Dialect()
}

// DB returns the underlying sql.DB for advanced operations.
func (d *DB) DB() *sql.DB {
	return d.driver.DB()
}

// Exec executes a query without returning rows.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.driver.Exec(context.Background(), query, args...)
}

// Query executes a query that returns rows.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.driver.Query(context.Background(), query, args...)
}

// QueryRow executes a query that returns at most one row.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.driver.QueryRow(context.Background(), query, args...)
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context) (driver.Tx, error) {
	return d.driver.BeginTx(ctx, nil)
}

// Now returns the current time truncated to the store's precision, in UTC.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// FormatTime renders t in the store's timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		// Tolerate full RFC3339 written by older builds.
		t, err2 := time.Parse(time.RFC3339, s)
		if err2 == nil {
			return t.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// MetadataGet reads a schema_metadata value. Returns "" when the key (or
// the table itself) does not exist.
func (d *DB) MetadataGet(key string) (string, error) {
	var value string
	err := d.QueryRow("SELECT value FROM schema_metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		if isMissingTable(err) {
			return "", nil
		}
		return "", fleeterr.ErrStore("read schema metadata", err)
	}
	return value, nil
}

// MetadataSet upserts a schema_metadata value.
func (d *DB) MetadataSet(key, value string) error {
	_, err := d.Exec(`
		INSERT INTO schema_metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fleeterr.ErrStore("write schema metadata", err)
	}
	return nil
}

// AcquireSweepGate atomically claims a named cleanup gate if at least
// minInterval has passed since the last sweep. Returns true when this
// process should run the sweep. Concurrent processes race on the stored
// timestamp; the compare-and-swap ensures only one wins per interval.
func (d *DB) AcquireSweepGate(key string, minInterval time.Duration) (bool, error) {
	now := Now()
	last, err := d.MetadataGet(key)
	if err != nil {
		return false, err
	}
	if last != "" {
		lastAt, perr := ParseTime(last)
		if perr == nil && now.Sub(lastAt) < minInterval {
			return false, nil
		}
	}

	if last == "" {
		res, err := d.Exec(
			"INSERT INTO schema_metadata (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING",
			key, FormatTime(now))
		if err != nil {
			return false, fleeterr.ErrStore("claim sweep gate", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := d.Exec(
		"UPDATE schema_metadata SET value = ? WHERE key = ? AND value = ?",
		FormatTime(now), key, last)
	if err != nil {
		return false, fleeterr.ErrStore("claim sweep gate", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}
