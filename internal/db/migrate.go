package db

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	fleeterr "github.com/codefleet/fleet/internal/errors"
	"golang.org/x/mod/semver"
)

// versionKey is the schema_metadata row that holds the schema version.
const versionKey = "version"

// Version returns the current schema version, or "" for a fresh database.
func (d *DB) Version() (string, error) {
	return d.MetadataGet(versionKey)
}

// availableVersions lists embedded migration scripts sorted ascending by
// semantic version.
func availableVersions() ([]string, error) {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return nil, fleeterr.ErrStore("read schema dir", err)
	}

	var versions []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".sql") {
			versions = append(versions, strings.TrimSuffix(name, ".sql"))
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return semver.Compare("v"+versions[i], "v"+versions[j]) < 0
	})
	return versions, nil
}

// MigrateToLatest applies, in order, every migration script whose version
// is strictly greater than the current schema version. Each step writes a
// file-level backup beside the database first, runs the script inside a
// transaction, compare-and-swaps the version row, and verifies that the
// stored version advanced. Running it twice in a row is a no-op.
func (d *DB) MigrateToLatest() error {
	versions, err := availableVersions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}
	return d.migrateTo(versions[len(versions)-1])
}

// MigrateTo migrates up to the named version. Fails with MigrationMissing
// when no script for that version is embedded.
func (d *DB) MigrateTo(target string) error {
	versions, err := availableVersions()
	if err != nil {
		return err
	}
	found := false
	for _, v := range versions {
		if v == target {
			found = true
			break
		}
	}
	if !found {
		return fleeterr.ErrMigrationMissing(target)
	}
	return d.migrateTo(target)
}

func (d *DB) migrateTo(target string) error {
	current, err := d.Version()
	if err != nil {
		return err
	}

	versions, err := availableVersions()
	if err != nil {
		return err
	}

	for _, v := range versions {
		if current != "" && semver.Compare("v"+v, "v"+current) <= 0 {
			continue
		}
		if semver.Compare("v"+v, "v"+target) > 0 {
			break
		}

		backup, err := d.writeBackup(v)
		if err != nil {
			return err
		}

		if err := d.applyMigration(current, v); err != nil {
			// The script or the version CAS failed mid-step; put the
			// pre-migration file back so the original DB is intact.
			if backup != "" {
				_ = d.restoreBackup(backup)
			}
			return err
		}

		// Verify the version row actually advanced.
		got, verr := d.Version()
		if verr != nil {
			return verr
		}
		if got != v {
			if backup != "" {
				_ = d.restoreBackup(backup)
			}
			return fleeterr.ErrMigrationVerify(v, got)
		}
		current = v
	}

	return nil
}

// applyMigration runs one script and swaps the version row inside a single
// transaction.
func (d *DB) applyMigration(from, to string) error {
	content, err := schemaFS.ReadFile("schema/" + to + ".sql")
	if err != nil {
		return fleeterr.ErrMigrationMissing(to)
	}

	ctx := context.Background()
	tx, err := d.driver.BeginTx(ctx, nil)
	if err != nil {
		return fleeterr.ErrStore("begin migration", err)
	}

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		_ = tx.Rollback()
		return fleeterr.ErrStore(fmt.Sprintf("apply migration %s", to), err)
	}

	if from == "" {
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_metadata (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
			versionKey, to); err != nil {
			_ = tx.Rollback()
			return fleeterr.ErrStore("set schema version", err)
		}
	} else {
		res, err := tx.Exec(ctx,
			"UPDATE schema_metadata SET value = ? WHERE key = ? AND value = ?",
			to, versionKey, from)
		if err != nil {
			_ = tx.Rollback()
			return fleeterr.ErrStore("swap schema version", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			_ = tx.Rollback()
			return fleeterr.ErrMigrationVerify(to, from)
		}
	}

	if err := tx.Commit(); err != nil {
		return fleeterr.ErrStore(fmt.Sprintf("commit migration %s", to), err)
	}
	return nil
}

// BackupPath returns the backup file written before migrating to version.
func (d *DB) BackupPath(version string) string {
	return fmt.Sprintf("%s.v%s.backup", d.path, version)
}

// writeBackup copies the database file beside itself before a migration
// step. Returns "" (and no error) when the database is not file-backed.
func (d *DB) writeBackup(version string) (string, error) {
	if !d.driver.SupportsFileBackup() || d.path == ":memory:" {
		return "", nil
	}
	if _, err := os.Stat(d.path); os.IsNotExist(err) {
		return "", nil // Fresh database, nothing to back up yet.
	}

	// Flush the WAL so the main file is complete before copying.
	_, _ = d.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	dst := d.BackupPath(version)
	if err := copyFile(d.path, dst); err != nil {
		return "", fleeterr.ErrStore("write migration backup", err)
	}
	return dst, nil
}

// Rollback restores the backup written before migrating to version and
// reopens the database handle.
func (d *DB) Rollback(version string) error {
	if !d.driver.SupportsFileBackup() {
		return fleeterr.ErrStore("rollback", fmt.Errorf("dialect %s does not support file backups", d.Dialect()))
	}
	backup := d.BackupPath(version)
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		return fleeterr.ErrBackupMissing(version, backup)
	}
	return d.restoreBackup(backup)
}

// restoreBackup swaps the backup file in for the live database and reopens
// the handle.
func (d *DB) restoreBackup(backup string) error {
	if err := d.driver.Close(); err != nil {
		return fleeterr.ErrStore("close before restore", err)
	}
	// Drop WAL sidecars so the restored file is authoritative.
	_ = os.Remove(d.path + "-wal")
	_ = os.Remove(d.path + "-shm")
	if err := copyFile(backup, d.path); err != nil {
		return fleeterr.ErrStore("restore backup", err)
	}
	if err := d.driver.Open(d.path); err != nil {
		return fleeterr.ErrStore("reopen after restore", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
