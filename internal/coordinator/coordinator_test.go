package coordinator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefleet/fleet/internal/db"
	"github.com/codefleet/fleet/internal/git"
)

// fakeAdapter tracks worktree create/remove calls in memory.
type fakeAdapter struct {
	created []string
	removed []string
	trees   []git.Worktree
}

func (f *fakeAdapter) CreateWorktree(name, fromRef string) (*git.CreateResult, error) {
	f.created = append(f.created, name)
	return &git.CreateResult{Success: true, Path: "/wt/" + name}, nil
}

func (f *fakeAdapter) RemoveWorktree(name string, deleteBranch bool) error {
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeAdapter) ListWorktrees() ([]git.Worktree, error) { return f.trees, nil }

func (f *fakeAdapter) WorktreePath(name string) string { return "/wt/" + name }

func newTestCoordinator(t *testing.T, alive map[int]bool) (*Coordinator, *db.DB, *fakeAdapter) {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	adapter := &fakeAdapter{}
	c := New(store, Options{
		AutoCleanup: true,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		PIDAlive: func(pid int) bool {
			if alive == nil {
				return true
			}
			return alive[pid]
		},
		AdapterFactory: func(string) WorktreeOps { return adapter },
	})
	return c, store, adapter
}

func TestRegisterFirstSessionGetsMainRepo(t *testing.T) {
	c, _, adapter := newTestCoordinator(t, nil)

	res, err := c.Register("/repo", 1000)
	require.NoError(t, err)
	require.True(t, res.IsMainRepo)
	require.Equal(t, "/repo", res.WorktreePath)
	require.Empty(t, res.WorktreeName)
	require.Equal(t, 1, res.ParallelSessions)
	require.Empty(t, adapter.created, "no worktree for the first session")
}

func TestRegisterSecondSessionGetsWorktree(t *testing.T) {
	c, _, adapter := newTestCoordinator(t, nil)

	_, err := c.Register("/repo", 1000)
	require.NoError(t, err)

	res, err := c.Register("/repo", 1001)
	require.NoError(t, err)
	require.False(t, res.IsMainRepo)
	require.NotEmpty(t, res.WorktreeName)
	require.Equal(t, "/wt/"+res.WorktreeName, res.WorktreePath)
	require.Equal(t, 2, res.ParallelSessions)
	require.Equal(t, []string{res.WorktreeName}, adapter.created)
}

func TestRegisterAfterStaleMainTakesMainRepo(t *testing.T) {
	alive := map[int]bool{1000: false, 1001: true}
	c, _, _ := newTestCoordinator(t, alive)

	_, err := c.Register("/repo", 1000)
	require.NoError(t, err)

	// pid 1000 is dead, so the next registration is solo again.
	res, err := c.Register("/repo", 1001)
	require.NoError(t, err)
	require.True(t, res.IsMainRepo)
	require.Equal(t, 1, res.ParallelSessions)
}

func TestRegisterValidation(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	_, err := c.Register("", 1000)
	require.Error(t, err)

	_, err = c.Register("/repo", 0)
	require.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	_, err := c.Register("/repo", 1000)
	require.NoError(t, err)

	require.True(t, c.Heartbeat(1000))
	require.False(t, c.Heartbeat(9999), "unknown pid")
}

func TestReleaseMainRepoKeepsCheckout(t *testing.T) {
	c, store, adapter := newTestCoordinator(t, nil)

	_, err := c.Register("/repo", 1000)
	require.NoError(t, err)

	res, err := c.Release(1000)
	require.NoError(t, err)
	require.True(t, res.Released)
	require.False(t, res.WorktreeRemoved)
	require.Empty(t, adapter.removed)

	s, err := store.GetSessionByPID(1000)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestReleaseWorktreeSessionRemovesTree(t *testing.T) {
	c, _, adapter := newTestCoordinator(t, nil)

	_, err := c.Register("/repo", 1000)
	require.NoError(t, err)
	second, err := c.Register("/repo", 1001)
	require.NoError(t, err)

	res, err := c.Release(1001)
	require.NoError(t, err)
	require.True(t, res.Released)
	require.True(t, res.WorktreeRemoved)
	require.Equal(t, []string{second.WorktreeName}, adapter.removed)
}

func TestReleaseUnknownPID(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	res, err := c.Release(4242)
	require.NoError(t, err)
	require.False(t, res.Released)
}

func TestReleaseDeactivatesClaims(t *testing.T) {
	c, store, _ := newTestCoordinator(t, nil)

	reg, err := c.Register("/repo", 1000)
	require.NoError(t, err)

	now := db.Now()
	tx, err := store.BeginTx(t.Context())
	require.NoError(t, err)
	require.NoError(t, db.InsertClaimTx(t.Context(), tx, &db.FileClaim{
		ID: "c1", SessionID: reg.SessionID, RepoPath: "/repo", FilePath: "a",
		Mode: db.ClaimExclusive, ClaimedAt: now, ExpiresAt: now.Add(time.Hour), Active: true,
	}))
	require.NoError(t, tx.Commit())

	_, err = c.Release(1000)
	require.NoError(t, err)

	claims, err := store.ListClaims(db.ClaimFilter{SessionID: reg.SessionID, ActiveOnly: true})
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestCleanupSweepsDeadSessions(t *testing.T) {
	alive := map[int]bool{1000: true, 1001: false}
	c, store, _ := newTestCoordinator(t, alive)

	_, err := c.Register("/repo", 1000)
	require.NoError(t, err)
	_, err = c.Register("/repo", 1001)
	require.NoError(t, err)

	res, err := c.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 1, res.StaleSessions)

	remaining, err := store.ListSessions("/repo")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, 1000, remaining[0].PID)
}

func TestCleanupReapsOrphanedWorktrees(t *testing.T) {
	c, _, adapter := newTestCoordinator(t, nil)

	_, err := c.Register("/repo", 1000)
	require.NoError(t, err)

	adapter.trees = []git.Worktree{
		{Path: "/repo", Branch: "main", IsMain: true},
		{Path: "/wt/parallel-old-aaaa", Branch: "parallel-old-aaaa"},
		{Path: "/wt/feature-x", Branch: "feature-x"},
	}

	res, err := c.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 1, res.OrphanedWorktrees)
	require.Equal(t, []string{"parallel-old-aaaa"}, adapter.removed,
		"only prefix-matching unowned worktrees are reaped")
}

func TestCleanupIsGatedAcrossCalls(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	_, err := c.Cleanup()
	require.NoError(t, err)

	res, err := c.Cleanup()
	require.NoError(t, err)
	require.Zero(t, res.StaleSessions)
	require.Zero(t, res.OrphanedWorktrees)
}
