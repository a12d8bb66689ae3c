package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/codefleet/fleet/internal/db/driver"
	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// ClaimMode is a file claim's lock mode.
type ClaimMode string

const (
	ClaimExclusive ClaimMode = "EXCLUSIVE"
	ClaimShared    ClaimMode = "SHARED"
	ClaimIntent    ClaimMode = "INTENT"
)

// ValidClaimMode reports whether m is one of the three claim modes.
func ValidClaimMode(m ClaimMode) bool {
	switch m {
	case ClaimExclusive, ClaimShared, ClaimIntent:
		return true
	}
	return false
}

// FileClaim is a session's assertion of intent over a file path.
// Released claims stay in the table with Active=false as history.
type FileClaim struct {
	ID            string
	SessionID     string
	RepoPath      string
	FilePath      string
	Mode          ClaimMode
	ClaimedAt     time.Time
	ExpiresAt     time.Time
	Active        bool
	EscalatedFrom *ClaimMode
	Reason        string
}

const claimColumns = `id, session_id, repo_path, file_path, mode, claimed_at, expires_at, active, escalated_from, reason`

// ClaimFilter narrows ListClaims results. Zero values mean "any".
type ClaimFilter struct {
	SessionID  string
	RepoPath   string
	FilePath   string
	Mode       ClaimMode
	ActiveOnly bool
}

// InsertClaimTx inserts a claim inside an open transaction.
func InsertClaimTx(ctx context.Context, tx driver.Tx, c *FileClaim) error {
	var escalated any
	if c.EscalatedFrom != nil {
		escalated = string(*c.EscalatedFrom)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO file_claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.RepoPath, c.FilePath, string(c.Mode),
		FormatTime(c.ClaimedAt), FormatTime(c.ExpiresAt), boolToInt(c.Active),
		escalated, nullStr(c.Reason))
	if err != nil {
		return fleeterr.ErrStore("insert claim", err)
	}
	return nil
}

// ActiveClaimsOnFileTx scans active, unexpired claims on (repo, file)
// inside an open transaction.
func ActiveClaimsOnFileTx(ctx context.Context, tx driver.Tx, repoPath, filePath string, now time.Time) ([]*FileClaim, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+claimColumns+` FROM file_claims
		WHERE repo_path = ? AND file_path = ? AND active = 1 AND expires_at > ?`,
		repoPath, filePath, FormatTime(now))
	if err != nil {
		return nil, fleeterr.ErrStore("scan active claims", err)
	}
	return collectClaims(rows)
}

// UpdateClaimModeTx escalates a claim's mode in place, recording the
// previous mode, inside an open transaction.
func UpdateClaimModeTx(ctx context.Context, tx driver.Tx, claimID string, mode, from ClaimMode) error {
	_, err := tx.Exec(ctx,
		"UPDATE file_claims SET mode = ?, escalated_from = ? WHERE id = ?",
		string(mode), string(from), claimID)
	if err != nil {
		return fleeterr.ErrStore("escalate claim", err)
	}
	return nil
}

// ExtendClaimTx refreshes a claim's expiry (idempotent re-acquire).
func ExtendClaimTx(ctx context.Context, tx driver.Tx, claimID string, expiresAt time.Time) error {
	_, err := tx.Exec(ctx,
		"UPDATE file_claims SET expires_at = ? WHERE id = ?",
		FormatTime(expiresAt), claimID)
	if err != nil {
		return fleeterr.ErrStore("extend claim", err)
	}
	return nil
}

// GetClaim looks up a claim by id. Returns (nil, nil) when absent.
func (d *DB) GetClaim(id string) (*FileClaim, error) {
	rows, err := d.Query("SELECT "+claimColumns+" FROM file_claims WHERE id = ?", id)
	if err != nil {
		return nil, fleeterr.ErrStore("get claim", err)
	}
	claims, err := collectClaims(rows)
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, nil
	}
	return claims[0], nil
}

// ReleaseClaim marks a claim inactive, preserving it as history.
func (d *DB) ReleaseClaim(id string) error {
	if _, err := d.Exec("UPDATE file_claims SET active = 0 WHERE id = ?", id); err != nil {
		return fleeterr.ErrStore("release claim", err)
	}
	return nil
}

// ListClaims returns claims matching the filter, newest first.
func (d *DB) ListClaims(f ClaimFilter) ([]*FileClaim, error) {
	query := "SELECT " + claimColumns + " FROM file_claims WHERE 1=1"
	var args []any
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.RepoPath != "" {
		query += " AND repo_path = ?"
		args = append(args, f.RepoPath)
	}
	if f.FilePath != "" {
		query += " AND file_path = ?"
		args = append(args, f.FilePath)
	}
	if f.Mode != "" {
		query += " AND mode = ?"
		args = append(args, string(f.Mode))
	}
	if f.ActiveOnly {
		query += " AND active = 1 AND expires_at > ?"
		args = append(args, FormatTime(Now()))
	}
	query += " ORDER BY claimed_at DESC"

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fleeterr.ErrStore("list claims", err)
	}
	return collectClaims(rows)
}

// DeactivateExpiredClaims marks every claim past its TTL inactive.
// Returns the number of claims swept.
func (d *DB) DeactivateExpiredClaims(now time.Time) (int, error) {
	res, err := d.Exec("UPDATE file_claims SET active = 0 WHERE active = 1 AND expires_at <= ?",
		FormatTime(now))
	if err != nil {
		return 0, fleeterr.ErrStore("expire claims", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeactivateOrphanedClaims marks inactive every active claim whose owning
// session no longer exists. Returns the number of claims swept.
func (d *DB) DeactivateOrphanedClaims() (int, error) {
	res, err := d.Exec(`
		UPDATE file_claims SET active = 0
		WHERE active = 1 AND session_id NOT IN (SELECT id FROM sessions)`)
	if err != nil {
		return 0, fleeterr.ErrStore("sweep orphaned claims", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeactivateClaimsForSession marks all of one session's claims inactive.
func (d *DB) DeactivateClaimsForSession(sessionID string) error {
	if _, err := d.Exec("UPDATE file_claims SET active = 0 WHERE session_id = ?", sessionID); err != nil {
		return fleeterr.ErrStore("release session claims", err)
	}
	return nil
}

func collectClaims(rows *sql.Rows) ([]*FileClaim, error) {
	defer func() { _ = rows.Close() }()

	var claims []*FileClaim
	for rows.Next() {
		var (
			c                    FileClaim
			mode                 string
			claimedAt, expiresAt string
			active               int
			escalated, reason    sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.RepoPath, &c.FilePath, &mode,
			&claimedAt, &expiresAt, &active, &escalated, &reason); err != nil {
			return nil, fleeterr.ErrStore("scan claim", err)
		}
		c.Mode = ClaimMode(mode)
		var err error
		if c.ClaimedAt, err = ParseTime(claimedAt); err != nil {
			return nil, fleeterr.ErrStore("parse claim time", err)
		}
		if c.ExpiresAt, err = ParseTime(expiresAt); err != nil {
			return nil, fleeterr.ErrStore("parse claim expiry", err)
		}
		c.Active = active != 0
		if escalated.Valid {
			m := ClaimMode(escalated.String)
			c.EscalatedFrom = &m
		}
		c.Reason = reason.String
		claims = append(claims, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fleeterr.ErrStore("iterate claims", err)
	}
	return claims, nil
}
