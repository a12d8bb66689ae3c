package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

func openTempDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.db")
	d, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func listBackups(t *testing.T, d *DB) []string {
	t.Helper()
	matches, err := filepath.Glob(d.Path() + ".v*.backup")
	require.NoError(t, err)
	return matches
}

func TestMigrateToLatest(t *testing.T) {
	d := openTempDB(t)

	require.NoError(t, d.MigrateToLatest())

	version, err := d.Version()
	require.NoError(t, err)
	require.Equal(t, "1.1.0", version)

	// All tables from every step exist.
	for _, table := range []string{
		"sessions", "file_claims", "budget_tracking",
		"merge_subscriptions", "merge_events",
		"conflict_resolutions", "auto_fix_suggestions", "schema_metadata",
	} {
		_, err := d.Query("SELECT * FROM " + table + " LIMIT 1")
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := openTempDB(t)

	require.NoError(t, d.MigrateToLatest())
	first := listBackups(t, d)

	require.NoError(t, d.MigrateToLatest())
	second := listBackups(t, d)

	version, err := d.Version()
	require.NoError(t, err)
	require.Equal(t, "1.1.0", version)
	require.Equal(t, first, second, "second run must not write more backups")
}

func TestMigrateToUnknownVersion(t *testing.T) {
	d := openTempDB(t)

	err := d.MigrateTo("9.9.9")
	require.Error(t, err)
	require.Equal(t, fleeterr.CodeMigrationMissing, fleeterr.CodeOf(err))
}

func TestRollbackRestoresBackup(t *testing.T) {
	d := openTempDB(t)
	require.NoError(t, d.MigrateToLatest())

	// The backup taken before 1.1.0 holds the 1.0.0 schema.
	require.NoError(t, d.Rollback("1.1.0"))

	version, err := d.Version()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", version)

	// Tables added in 1.1.0 are gone again.
	_, err = d.Query("SELECT * FROM merge_events LIMIT 1")
	require.Error(t, err)
}

func TestRollbackWithoutBackup(t *testing.T) {
	d := openTempDB(t)
	require.NoError(t, d.MigrateToLatest())

	err := d.Rollback("9.9.9")
	require.Error(t, err)
	require.Equal(t, fleeterr.CodeBackupMissing, fleeterr.CodeOf(err))
}

func TestBackupFilesPlacedBesideDB(t *testing.T) {
	d := openTempDB(t)
	require.NoError(t, d.MigrateToLatest())

	for _, v := range []string{"1.0.0", "1.1.0"} {
		_, err := os.Stat(d.BackupPath(v))
		require.NoError(t, err, "expected backup for %s", v)
	}
}
