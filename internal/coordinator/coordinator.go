// Package coordinator registers concurrent agent sessions against a
// repository and decides which one works in the main checkout versus an
// isolated worktree.
package coordinator

import (
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/codefleet/fleet/internal/db"
	fleeterr "github.com/codefleet/fleet/internal/errors"
	"github.com/codefleet/fleet/internal/git"
)

// DefaultStaleThreshold is how old a heartbeat may be before the owning
// session is considered dead.
const DefaultStaleThreshold = 10 * time.Minute

// DefaultCleanupInterval gates how often cross-process sweeps run.
const DefaultCleanupInterval = 60 * time.Second

const sessionSweepGate = "last_session_cleanup"

// Options tune coordinator behavior. Zero values take defaults.
type Options struct {
	StaleThreshold   time.Duration
	WorktreePrefix   string
	AutoCleanup      bool // remove worktrees on release
	CleanupInterval  time.Duration
	Logger           *slog.Logger
	PIDAlive         func(pid int) bool                // test hook
	AdapterFactory   func(repoPath string) WorktreeOps // test hook
}

// WorktreeOps is the slice of the git adapter the coordinator needs.
type WorktreeOps interface {
	CreateWorktree(name, fromRef string) (*git.CreateResult, error)
	RemoveWorktree(name string, deleteBranch bool) error
	ListWorktrees() ([]git.Worktree, error)
	WorktreePath(name string) string
}

// RegisterResult reports where a newly registered session should work.
type RegisterResult struct {
	SessionID        string `json:"sessionId"`
	WorktreePath     string `json:"worktreePath"`
	WorktreeName     string `json:"worktreeName,omitempty"`
	IsMainRepo       bool   `json:"isMainRepo"`
	ParallelSessions int    `json:"parallelSessions"`
}

// ReleaseResult reports what Release did.
type ReleaseResult struct {
	Released        bool `json:"released"`
	WorktreeRemoved bool `json:"worktreeRemoved"`
}

// CleanupResult summarizes a sweep.
type CleanupResult struct {
	StaleSessions     int `json:"staleSessions"`
	OrphanedWorktrees int `json:"orphanedWorktrees"`
}

// Coordinator mediates session registration over the shared store.
type Coordinator struct {
	store *db.DB
	opts  Options
	log   *slog.Logger
}

// New builds a coordinator over the store.
func New(store *db.DB, opts Options) *Coordinator {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.WorktreePrefix == "" {
		opts.WorktreePrefix = git.DefaultWorktreePrefix
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PIDAlive == nil {
		opts.PIDAlive = IsPIDAlive
	}
	if opts.AdapterFactory == nil {
		opts.AdapterFactory = func(repoPath string) WorktreeOps {
			return git.NewAdapter(repoPath)
		}
	}
	return &Coordinator{store: store, opts: opts, log: opts.Logger}
}

// IsPIDAlive probes a pid with signal 0.
func IsPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// isLive reports whether a session's process exists and its heartbeat is
// within the stale threshold.
func (c *Coordinator) isLive(s *db.Session, now time.Time) bool {
	if !c.opts.PIDAlive(s.PID) {
		return false
	}
	return now.Sub(s.LastHeartbeat) <= c.opts.StaleThreshold
}

// Register creates a session for pid working on repoPath. The first live
// session on a repo gets the main checkout; later ones get fresh worktrees.
func (c *Coordinator) Register(repoPath string, pid int) (*RegisterResult, error) {
	if repoPath == "" {
		return nil, fleeterr.ErrValidation("repoPath is required", "pass the repository root path")
	}
	if pid <= 0 {
		return nil, fleeterr.ErrValidation("pid must be positive", "pass the owning process id")
	}

	now := db.Now()
	sessions, err := c.store.ListSessions(repoPath)
	if err != nil {
		return nil, err
	}

	liveCount := 0
	mainTaken := false
	for _, s := range sessions {
		if !c.isLive(s, now) {
			continue
		}
		liveCount++
		if s.IsMainRepo {
			mainTaken = true
		}
	}

	session := &db.Session{
		ID:            uuid.NewString(),
		PID:           pid,
		RepoPath:      repoPath,
		CreatedAt:     now,
		LastHeartbeat: now,
	}

	res := &RegisterResult{SessionID: session.ID}
	if liveCount == 0 && !mainTaken {
		session.WorktreePath = repoPath
		session.IsMainRepo = true
		res.WorktreePath = repoPath
		res.IsMainRepo = true
	} else {
		name := git.GenerateWorktreeName(c.opts.WorktreePrefix)
		adapter := c.opts.AdapterFactory(repoPath)
		created, err := adapter.CreateWorktree(name, "HEAD")
		if err != nil {
			return nil, err
		}
		session.WorktreePath = created.Path
		session.WorktreeName = &name
		res.WorktreePath = created.Path
		res.WorktreeName = name
	}

	if err := c.store.SaveSession(session); err != nil {
		return nil, err
	}

	res.ParallelSessions = liveCount + 1
	c.log.Info("session registered",
		"session_id", session.ID,
		"pid", pid,
		"main_repo", session.IsMainRepo,
		"parallel_sessions", res.ParallelSessions)
	return res, nil
}

// Heartbeat refreshes the session owned by pid. Best-effort: a missing
// session or store failure yields false, never an error.
func (c *Coordinator) Heartbeat(pid int) bool {
	ok, err := c.store.TouchHeartbeat(pid)
	if err != nil {
		c.log.Warn("heartbeat failed", "pid", pid, "error", err)
		return false
	}
	return ok
}

// Release tears down the session owned by pid: removes its worktree when
// auto-cleanup is on, deactivates its claims, deletes the session row.
func (c *Coordinator) Release(pid int) (*ReleaseResult, error) {
	session, err := c.store.GetSessionByPID(pid)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &ReleaseResult{Released: false}, nil
	}
	return c.releaseSession(session)
}

// ReleaseSession is Release addressed by session id. Batch tasks all run
// under one process, so pid lookup cannot distinguish them.
func (c *Coordinator) ReleaseSession(sessionID string) (*ReleaseResult, error) {
	session, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &ReleaseResult{Released: false}, nil
	}
	return c.releaseSession(session)
}

func (c *Coordinator) releaseSession(session *db.Session) (*ReleaseResult, error) {
	res := &ReleaseResult{Released: true}

	if session.WorktreeName != nil && !session.IsMainRepo && c.opts.AutoCleanup {
		adapter := c.opts.AdapterFactory(session.RepoPath)
		if err := adapter.RemoveWorktree(*session.WorktreeName, true); err != nil {
			// Worktree removal is best-effort; the session still goes away.
			c.log.Warn("worktree removal failed",
				"session_id", session.ID, "worktree", *session.WorktreeName, "error", err)
		} else {
			res.WorktreeRemoved = true
		}
	}

	if err := c.store.DeactivateClaimsForSession(session.ID); err != nil {
		return nil, err
	}
	if err := c.store.DeleteSession(session.ID); err != nil {
		return nil, err
	}

	c.log.Info("session released",
		"session_id", session.ID,
		"worktree_removed", res.WorktreeRemoved)
	return res, nil
}

// Cleanup sweeps stale sessions and orphaned worktrees. It is gated so
// that concurrent fleet processes do not all sweep at once; a gated call
// returns an empty result.
func (c *Coordinator) Cleanup() (*CleanupResult, error) {
	ok, err := c.store.AcquireSweepGate(sessionSweepGate, c.opts.CleanupInterval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &CleanupResult{}, nil
	}
	return c.cleanupNow()
}

func (c *Coordinator) cleanupNow() (*CleanupResult, error) {
	now := db.Now()
	sessions, err := c.store.ListSessions("")
	if err != nil {
		return nil, err
	}

	res := &CleanupResult{}
	repos := map[string]bool{}
	for _, s := range sessions {
		repos[s.RepoPath] = true
		if c.isLive(s, now) {
			continue
		}
		if _, err := c.releaseSession(s); err != nil {
			c.log.Warn("stale session release failed", "session_id", s.ID, "error", err)
			continue
		}
		res.StaleSessions++
	}

	// Reap worktrees matching our prefix that no surviving session owns.
	live, err := c.store.ListSessions("")
	if err != nil {
		return nil, err
	}
	owned := map[string]bool{}
	for _, s := range live {
		if s.WorktreeName != nil {
			owned[*s.WorktreeName] = true
		}
	}

	for repo := range repos {
		adapter := c.opts.AdapterFactory(repo)
		trees, err := adapter.ListWorktrees()
		if err != nil {
			c.log.Warn("worktree listing failed", "repo", repo, "error", err)
			continue
		}
		for _, wt := range trees {
			if wt.IsMain || wt.Branch == "" {
				continue
			}
			if !strings.HasPrefix(wt.Branch, c.opts.WorktreePrefix) || owned[wt.Branch] {
				continue
			}
			if err := adapter.RemoveWorktree(wt.Branch, true); err != nil {
				c.log.Warn("orphaned worktree removal failed", "worktree", wt.Branch, "error", err)
				continue
			}
			res.OrphanedWorktrees++
		}
	}

	if res.StaleSessions > 0 || res.OrphanedWorktrees > 0 {
		c.log.Info("cleanup swept",
			"stale_sessions", res.StaleSessions,
			"orphaned_worktrees", res.OrphanedWorktrees)
	}
	return res, nil
}
