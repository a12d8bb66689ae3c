// Package claim arbitrates file-level claims between concurrent sessions
// sharing one repository.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codefleet/fleet/internal/db"
	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// DefaultTTL is how long a claim stays active without renewal.
const DefaultTTL = 24 * time.Hour

// DefaultCleanupInterval gates how often cross-process claim sweeps run.
const DefaultCleanupInterval = 60 * time.Second

const claimSweepGate = "last_claim_cleanup"

// Options tune the manager. Zero values take defaults.
type Options struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

// Manager arbitrates claims over the shared store.
type Manager struct {
	store *db.DB
	opts  Options
	log   *slog.Logger
}

// New builds a claim manager.
func New(store *db.DB, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{store: store, opts: opts, log: opts.Logger}
}

// AcquireRequest asks for a claim on one file.
type AcquireRequest struct {
	SessionID string
	RepoPath  string
	FilePath  string
	Mode      db.ClaimMode
	TTL       time.Duration // 0 means the manager default
	Reason    string
}

// CheckResult is the dry-run answer for a set of files.
type CheckResult struct {
	Available bool                        `json:"available"`
	Conflicts []fleeterr.ConflictingClaim `json:"conflicts,omitempty"`
}

// CleanupResult counts what a sweep deactivated.
type CleanupResult struct {
	ExpiredClaims  int `json:"expiredClaims"`
	OrphanedClaims int `json:"orphanedClaims"`
}

// compatible implements the coexistence matrix. An existing EXCLUSIVE
// claim blocks everything; SHARED and INTENT coexist with each other and
// themselves but never with a requested EXCLUSIVE.
func compatible(existing, requested db.ClaimMode) bool {
	if existing == db.ClaimExclusive || requested == db.ClaimExclusive {
		return false
	}
	return true
}

// ValidateFilePath rejects absolute paths, traversal, and NUL bytes.
func ValidateFilePath(path string) error {
	if path == "" {
		return fleeterr.ErrValidation("file path is empty", "pass a path relative to the repo root")
	}
	if strings.ContainsRune(path, 0) {
		return fleeterr.ErrValidation("file path contains a NUL byte", "pass a clean relative path")
	}
	if filepath.IsAbs(path) {
		return fleeterr.ErrValidation(
			fmt.Sprintf("file path %q is absolute", path),
			"pass a path relative to the repo root")
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fleeterr.ErrValidation(
			fmt.Sprintf("file path %q escapes the repo root", path),
			"remove the .. components")
	}
	return nil
}

// Acquire grants a claim or fails with ClaimConflict listing the holders.
// Re-acquiring a file the session already holds in the same mode extends
// the TTL and returns the existing claim.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*db.FileClaim, error) {
	if !db.ValidClaimMode(req.Mode) {
		return nil, fleeterr.ErrValidation(
			fmt.Sprintf("unknown claim mode %q", req.Mode),
			"use EXCLUSIVE, SHARED or INTENT")
	}
	if err := ValidateFilePath(req.FilePath); err != nil {
		return nil, err
	}
	session, err := m.store.GetSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fleeterr.ErrValidation(
			fmt.Sprintf("session %s is not registered", req.SessionID),
			"register the session before claiming files")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	now := db.Now()

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fleeterr.ErrStore("begin claim transaction", err)
	}
	defer tx.Rollback()

	existing, err := db.ActiveClaimsOnFileTx(ctx, tx, req.RepoPath, req.FilePath, now)
	if err != nil {
		return nil, err
	}

	var conflicts []fleeterr.ConflictingClaim
	for _, c := range existing {
		if c.SessionID == req.SessionID {
			if c.Mode == req.Mode {
				// Idempotent re-acquire: extend the TTL.
				if err := db.ExtendClaimTx(ctx, tx, c.ID, now.Add(ttl)); err != nil {
					return nil, err
				}
				if err := tx.Commit(); err != nil {
					return nil, fleeterr.ErrStore("commit claim extension", err)
				}
				c.ExpiresAt = now.Add(ttl)
				return c, nil
			}
			continue
		}
		if !compatible(c.Mode, req.Mode) {
			conflicts = append(conflicts, fleeterr.ConflictingClaim{
				SessionID: c.SessionID, Mode: string(c.Mode), Reason: c.Reason,
			})
		}
	}
	if len(conflicts) > 0 {
		return nil, fleeterr.ErrClaimConflict(req.FilePath, conflicts)
	}

	claim := &db.FileClaim{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		RepoPath:  req.RepoPath,
		FilePath:  req.FilePath,
		Mode:      req.Mode,
		ClaimedAt: now,
		ExpiresAt: now.Add(ttl),
		Active:    true,
		Reason:    req.Reason,
	}
	if err := db.InsertClaimTx(ctx, tx, claim); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fleeterr.ErrStore("commit claim", err)
	}

	m.log.Info("claim acquired",
		"claim_id", claim.ID,
		"session_id", req.SessionID,
		"file", req.FilePath,
		"mode", req.Mode)
	return claim, nil
}

// Release marks a claim inactive. The caller must own it unless force is
// set. Returns false without error when the claim is missing, already
// inactive, or owned by someone else.
func (m *Manager) Release(claimID, sessionID string, force bool) (bool, error) {
	claim, err := m.store.GetClaim(claimID)
	if err != nil {
		return false, err
	}
	if claim == nil || !claim.Active {
		return false, nil
	}
	if claim.SessionID != sessionID && !force {
		return false, nil
	}
	if err := m.store.ReleaseClaim(claimID); err != nil {
		return false, err
	}
	m.log.Info("claim released", "claim_id", claimID, "forced", force && claim.SessionID != sessionID)
	return true, nil
}

// legalEscalation lists the allowed mode transitions.
func legalEscalation(from, to db.ClaimMode) bool {
	switch {
	case from == db.ClaimIntent && to == db.ClaimShared:
		return true
	case from == db.ClaimIntent && to == db.ClaimExclusive:
		return true
	case from == db.ClaimShared && to == db.ClaimExclusive:
		return true
	}
	return false
}

// Escalate raises a claim's mode in place after rechecking compatibility
// against other sessions at the target mode.
func (m *Manager) Escalate(ctx context.Context, claimID, sessionID string, target db.ClaimMode) (*db.FileClaim, error) {
	claim, err := m.store.GetClaim(claimID)
	if err != nil {
		return nil, err
	}
	if claim == nil || !claim.Active {
		return nil, fleeterr.ErrValidation(
			fmt.Sprintf("claim %s is not active", claimID),
			"acquire a fresh claim instead")
	}
	if claim.SessionID != sessionID {
		return nil, fleeterr.ErrValidation(
			fmt.Sprintf("claim %s belongs to session %s", claimID, claim.SessionID),
			"only the owner may escalate a claim")
	}
	if !legalEscalation(claim.Mode, target) {
		return nil, fleeterr.ErrInvalidEscalation(string(claim.Mode), string(target))
	}

	now := db.Now()
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fleeterr.ErrStore("begin escalation transaction", err)
	}
	defer tx.Rollback()

	existing, err := db.ActiveClaimsOnFileTx(ctx, tx, claim.RepoPath, claim.FilePath, now)
	if err != nil {
		return nil, err
	}
	var conflicts []fleeterr.ConflictingClaim
	for _, c := range existing {
		if c.SessionID == sessionID {
			continue
		}
		if !compatible(c.Mode, target) {
			conflicts = append(conflicts, fleeterr.ConflictingClaim{
				SessionID: c.SessionID, Mode: string(c.Mode), Reason: c.Reason,
			})
		}
	}
	if len(conflicts) > 0 {
		return nil, fleeterr.ErrClaimConflict(claim.FilePath, conflicts)
	}

	previous := claim.Mode
	if err := db.UpdateClaimModeTx(ctx, tx, claimID, target, previous); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fleeterr.ErrStore("commit escalation", err)
	}

	claim.Mode = target
	claim.EscalatedFrom = &previous

	m.log.Info("claim escalated",
		"claim_id", claimID, "from", previous, "to", target)
	return claim, nil
}

// Check is the dry-run predicate: would sessionID be able to claim every
// file in the set at the requested mode right now.
func (m *Manager) Check(ctx context.Context, repoPath string, files []string, mode db.ClaimMode, excludeSessionID string) (*CheckResult, error) {
	if !db.ValidClaimMode(mode) {
		return nil, fleeterr.ErrValidation(
			fmt.Sprintf("unknown claim mode %q", mode),
			"use EXCLUSIVE, SHARED or INTENT")
	}
	now := db.Now()
	res := &CheckResult{Available: true}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fleeterr.ErrStore("begin check transaction", err)
	}
	defer tx.Rollback()

	for _, file := range files {
		existing, err := db.ActiveClaimsOnFileTx(ctx, tx, repoPath, file, now)
		if err != nil {
			return nil, err
		}
		for _, c := range existing {
			if c.SessionID == excludeSessionID {
				continue
			}
			if !compatible(c.Mode, mode) {
				res.Available = false
				res.Conflicts = append(res.Conflicts, fleeterr.ConflictingClaim{
					SessionID: c.SessionID, Mode: string(c.Mode), Reason: c.Reason,
				})
			}
		}
	}
	return res, tx.Commit()
}

// Cleanup deactivates expired claims and claims whose session is gone.
// Sweeps are gated across processes; a gated call returns zero counts.
func (m *Manager) Cleanup() (*CleanupResult, error) {
	ok, err := m.store.AcquireSweepGate(claimSweepGate, m.opts.CleanupInterval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &CleanupResult{}, nil
	}

	expired, err := m.store.DeactivateExpiredClaims(db.Now())
	if err != nil {
		return nil, err
	}
	orphaned, err := m.store.DeactivateOrphanedClaims()
	if err != nil {
		return nil, err
	}
	if expired > 0 || orphaned > 0 {
		m.log.Info("claim sweep", "expired", expired, "orphaned", orphaned)
	}
	return &CleanupResult{ExpiredClaims: expired, OrphanedClaims: orphaned}, nil
}

// List returns claims matching the filter.
func (m *Manager) List(filter db.ClaimFilter) ([]*db.FileClaim, error) {
	return m.store.ListClaims(filter)
}
