package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSessionRoundTrip(t *testing.T) {
	d := newTestDB(t)

	name := "parallel-abc123-x9k2"
	s := &Session{
		ID:            "sess-1",
		PID:           4242,
		RepoPath:      "/home/dev/proj",
		WorktreePath:  "/home/dev/proj-worktrees/parallel-abc123-x9k2",
		WorktreeName:  &name,
		Mode:          ModeE2B,
		CreatedAt:     Now(),
		LastHeartbeat: Now(),
		SandboxID:     "sbx-1",
		Prompt:        "fix the login bug",
		Status:        StatusRunning,
		BudgetLimit:   5,
		EstimatedCost: 0.4,
		TemplateName:  "base",
		GitUser:       "Dev",
		GitEmail:      "dev@example.com",
	}
	require.NoError(t, d.SaveSession(s))

	got, err := d.GetSession("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, s.PID, got.PID)
	require.NotNil(t, got.WorktreeName)
	require.Equal(t, name, *got.WorktreeName)
	require.Equal(t, ModeE2B, got.Mode)
	require.Equal(t, StatusRunning, got.Status)
	require.Equal(t, s.CreatedAt, got.CreatedAt)

	byPID, err := d.GetSessionByPID(4242)
	require.NoError(t, err)
	require.NotNil(t, byPID)
	require.Equal(t, "sess-1", byPID.ID)
}

func TestGetSessionMissing(t *testing.T) {
	d := newTestDB(t)

	got, err := d.GetSession("nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMainRepoSessionHasNilWorktreeName(t *testing.T) {
	d := newTestDB(t)

	s := &Session{
		ID:            "sess-main",
		PID:           100,
		RepoPath:      "/repo",
		WorktreePath:  "/repo",
		IsMainRepo:    true,
		CreatedAt:     Now(),
		LastHeartbeat: Now(),
	}
	require.NoError(t, d.SaveSession(s))

	got, err := d.GetSession("sess-main")
	require.NoError(t, err)
	require.True(t, got.IsMainRepo)
	require.Nil(t, got.WorktreeName)
	require.Equal(t, ModeLocal, got.Mode)
}

func TestTouchHeartbeat(t *testing.T) {
	d := newTestDB(t)

	s := &Session{
		ID: "sess-1", PID: 7, RepoPath: "/repo", WorktreePath: "/repo",
		CreatedAt: Now(), LastHeartbeat: Now().Add(-600e9),
	}
	require.NoError(t, d.SaveSession(s))

	ok, err := d.TouchHeartbeat(7)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := d.GetSessionByPID(7)
	require.NoError(t, err)
	require.True(t, got.LastHeartbeat.After(s.LastHeartbeat))

	ok, err = d.TouchHeartbeat(99999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListSessionsByRepo(t *testing.T) {
	d := newTestDB(t)

	for i, repo := range []string{"/a", "/a", "/b"} {
		require.NoError(t, d.SaveSession(&Session{
			ID: string(rune('x' + i)), PID: 10 + i, RepoPath: repo, WorktreePath: repo,
			CreatedAt: Now(), LastHeartbeat: Now(),
		}))
	}

	inA, err := d.ListSessions("/a")
	require.NoError(t, err)
	require.Len(t, inA, 2)

	all, err := d.ListSessions("")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestUpdateSessionStatusAndCosts(t *testing.T) {
	d := newTestDB(t)

	require.NoError(t, d.SaveSession(&Session{
		ID: "sess-1", PID: 8, RepoPath: "/r", WorktreePath: "/r",
		Mode: ModeE2B, Status: StatusInitializing,
		CreatedAt: Now(), LastHeartbeat: Now(),
	}))

	require.NoError(t, d.UpdateSessionStatus("sess-1", StatusCompleted, "all tests pass"))
	require.NoError(t, d.UpdateSessionCosts("sess-1", 0.7, 0.7))

	got, err := d.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "all tests pass", got.OutputLog)
	require.InDelta(t, 0.7, got.EstimatedCost, 1e-9)
	require.InDelta(t, 0.7, got.ActualCost, 1e-9)
}

func TestDeleteSession(t *testing.T) {
	d := newTestDB(t)

	require.NoError(t, d.SaveSession(&Session{
		ID: "gone", PID: 1, RepoPath: "/r", WorktreePath: "/r",
		CreatedAt: Now(), LastHeartbeat: Now(),
	}))
	require.NoError(t, d.DeleteSession("gone"))

	got, err := d.GetSession("gone")
	require.NoError(t, err)
	require.Nil(t, got)
}
