package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func insertClaim(t *testing.T, d *DB, c *FileClaim) {
	t.Helper()
	tx, err := d.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, InsertClaimTx(context.Background(), tx, c))
	require.NoError(t, tx.Commit())
}

func TestClaimInsertAndScan(t *testing.T) {
	d := newTestDB(t)

	now := Now()
	insertClaim(t, d, &FileClaim{
		ID: "c1", SessionID: "s1", RepoPath: "/r", FilePath: "src/a.ts",
		Mode: ClaimExclusive, ClaimedAt: now, ExpiresAt: now.Add(24 * time.Hour),
		Active: true, Reason: "refactor",
	})

	tx, err := d.BeginTx(context.Background())
	require.NoError(t, err)
	claims, err := ActiveClaimsOnFileTx(context.Background(), tx, "/r", "src/a.ts", now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, claims, 1)
	require.Equal(t, ClaimExclusive, claims[0].Mode)
	require.Equal(t, "refactor", claims[0].Reason)
}

func TestExpiredClaimsAreInvisible(t *testing.T) {
	d := newTestDB(t)

	now := Now()
	insertClaim(t, d, &FileClaim{
		ID: "c1", SessionID: "s1", RepoPath: "/r", FilePath: "f",
		Mode: ClaimShared, ClaimedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-24 * time.Hour), Active: true,
	})

	tx, err := d.BeginTx(context.Background())
	require.NoError(t, err)
	claims, err := ActiveClaimsOnFileTx(context.Background(), tx, "/r", "f", now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Empty(t, claims)
}

func TestReleasePreservesHistory(t *testing.T) {
	d := newTestDB(t)

	now := Now()
	insertClaim(t, d, &FileClaim{
		ID: "c1", SessionID: "s1", RepoPath: "/r", FilePath: "f",
		Mode: ClaimIntent, ClaimedAt: now, ExpiresAt: now.Add(time.Hour), Active: true,
	})
	require.NoError(t, d.ReleaseClaim("c1"))

	got, err := d.GetClaim("c1")
	require.NoError(t, err)
	require.NotNil(t, got, "released claim must remain as history")
	require.False(t, got.Active)

	active, err := d.ListClaims(ClaimFilter{RepoPath: "/r", ActiveOnly: true})
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestDeactivateExpiredClaims(t *testing.T) {
	d := newTestDB(t)

	now := Now()
	insertClaim(t, d, &FileClaim{
		ID: "old", SessionID: "s1", RepoPath: "/r", FilePath: "a",
		Mode: ClaimShared, ClaimedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour), Active: true,
	})
	insertClaim(t, d, &FileClaim{
		ID: "fresh", SessionID: "s1", RepoPath: "/r", FilePath: "b",
		Mode: ClaimShared, ClaimedAt: now, ExpiresAt: now.Add(time.Hour), Active: true,
	})

	n, err := d.DeactivateExpiredClaims(now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	fresh, err := d.GetClaim("fresh")
	require.NoError(t, err)
	require.True(t, fresh.Active)
}

func TestDeactivateOrphanedClaims(t *testing.T) {
	d := newTestDB(t)

	require.NoError(t, d.SaveSession(&Session{
		ID: "alive", PID: 1, RepoPath: "/r", WorktreePath: "/r",
		CreatedAt: Now(), LastHeartbeat: Now(),
	}))

	now := Now()
	insertClaim(t, d, &FileClaim{
		ID: "kept", SessionID: "alive", RepoPath: "/r", FilePath: "a",
		Mode: ClaimShared, ClaimedAt: now, ExpiresAt: now.Add(time.Hour), Active: true,
	})
	insertClaim(t, d, &FileClaim{
		ID: "orphan", SessionID: "dead", RepoPath: "/r", FilePath: "b",
		Mode: ClaimShared, ClaimedAt: now, ExpiresAt: now.Add(time.Hour), Active: true,
	})

	n, err := d.DeactivateOrphanedClaims()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	kept, err := d.GetClaim("kept")
	require.NoError(t, err)
	require.True(t, kept.Active)
}

func TestListClaimsFilters(t *testing.T) {
	d := newTestDB(t)

	now := Now()
	insertClaim(t, d, &FileClaim{
		ID: "c1", SessionID: "s1", RepoPath: "/r", FilePath: "a",
		Mode: ClaimExclusive, ClaimedAt: now, ExpiresAt: now.Add(time.Hour), Active: true,
	})
	insertClaim(t, d, &FileClaim{
		ID: "c2", SessionID: "s2", RepoPath: "/r", FilePath: "b",
		Mode: ClaimShared, ClaimedAt: now, ExpiresAt: now.Add(time.Hour), Active: true,
	})

	bySession, err := d.ListClaims(ClaimFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	require.Equal(t, "c1", bySession[0].ID)

	byMode, err := d.ListClaims(ClaimFilter{Mode: ClaimShared})
	require.NoError(t, err)
	require.Len(t, byMode, 1)
	require.Equal(t, "c2", byMode[0].ID)
}

func TestSweepGate(t *testing.T) {
	d := newTestDB(t)

	ok, err := d.AcquireSweepGate("last_claim_cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "first sweep should win the gate")

	ok, err = d.AcquireSweepGate("last_claim_cleanup", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second sweep inside the interval should be gated")

	ok, err = d.AcquireSweepGate("last_claim_cleanup", 0)
	require.NoError(t, err)
	require.True(t, ok, "zero interval always wins")
}
