package git

import (
	"fmt"
	"path/filepath"
	"strings"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// Worktree describes one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	IsMain bool
}

// CreateResult reports the outcome of a worktree creation.
type CreateResult struct {
	Success bool
	Path    string
	Output  string
}

// Adapter creates and removes isolated worktrees for one repository.
type Adapter struct {
	repoPath    string
	worktreeDir string
	runner      Runner
	gtrChecked  bool
	gtrPresent  bool
}

// NewAdapter returns an adapter rooted at repoPath. Worktrees are placed
// in a sibling directory `<repo>-worktrees`.
func NewAdapter(repoPath string) *Adapter {
	return &Adapter{
		repoPath:    repoPath,
		worktreeDir: repoPath + "-worktrees",
		runner:      ExecRunner{},
	}
}

// NewAdapterWithRunner is the test constructor.
func NewAdapterWithRunner(repoPath string, r Runner) *Adapter {
	a := NewAdapter(repoPath)
	a.runner = r
	return a
}

// WorktreePath returns where a named worktree lives on disk.
func (a *Adapter) WorktreePath(name string) string {
	return filepath.Join(a.worktreeDir, name)
}

func (a *Adapter) hasGtr() bool {
	if !a.gtrChecked {
		a.gtrPresent = a.runner.LookPath("gtr")
		a.gtrChecked = true
	}
	return a.gtrPresent
}

// CreateWorktree creates a worktree named name from fromRef (default HEAD).
// It tries gtr first and falls back to raw git, pruning stale worktree
// registrations and retrying once when the first git attempt fails.
func (a *Adapter) CreateWorktree(name, fromRef string) (*CreateResult, error) {
	if fromRef == "" {
		fromRef = "HEAD"
	}

	if a.hasGtr() {
		out, err := a.runner.Run(a.repoPath, "gtr", "new", name, "--from", fromRef)
		if err == nil {
			return &CreateResult{Success: true, Path: a.WorktreePath(name), Output: out}, nil
		}
		// gtr failed; fall through to raw git.
	}

	path := a.WorktreePath(name)
	out, err := a.runner.Run(a.repoPath, "git", "worktree", "add", "-b", name, path, fromRef)
	if err != nil {
		// A stale registration (directory deleted, git still tracking it)
		// makes the add fail; prune and retry once.
		_, _ = a.runner.Run(a.repoPath, "git", "worktree", "prune")
		out, err = a.runner.Run(a.repoPath, "git", "worktree", "add", "-b", name, path, fromRef)
		if err != nil {
			return nil, fleeterr.ErrWorktree(fmt.Sprintf("create worktree %s", name), err)
		}
	}
	return &CreateResult{Success: true, Path: path, Output: out}, nil
}

// RemoveWorktree removes the named worktree, optionally deleting its branch.
func (a *Adapter) RemoveWorktree(name string, deleteBranch bool) error {
	if a.hasGtr() {
		args := []string{"rm", name, "--force"}
		if deleteBranch {
			args = append(args, "--delete-branch")
		}
		if _, err := a.runner.Run(a.repoPath, "gtr", args...); err == nil {
			return nil
		}
	}

	path := a.WorktreePath(name)
	if _, err := a.runner.Run(a.repoPath, "git", "worktree", "remove", "--force", path); err != nil {
		return fleeterr.ErrWorktree(fmt.Sprintf("remove worktree %s", name), err)
	}
	if deleteBranch {
		// Branch deletion failure is not fatal; the worktree is gone.
		_, _ = a.runner.Run(a.repoPath, "git", "branch", "-D", name)
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain`.
func (a *Adapter) ListWorktrees() ([]Worktree, error) {
	out, err := a.runner.Run(a.repoPath, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fleeterr.ErrWorktree("list worktrees", err)
	}
	return parseWorktreeList(out), nil
}

// GetMainRepoPath returns the repository's main working tree path, or ""
// when it cannot be determined.
func (a *Adapter) GetMainRepoPath() string {
	trees, err := a.ListWorktrees()
	if err != nil {
		return ""
	}
	for _, wt := range trees {
		if wt.IsMain {
			return wt.Path
		}
	}
	return ""
}

// parseWorktreeList parses porcelain output. The first listed worktree is
// the main working tree.
func parseWorktreeList(out string) []Worktree {
	var trees []Worktree
	var current *Worktree

	flush := func() {
		if current != nil {
			trees = append(trees, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			if current != nil {
				ref := strings.TrimPrefix(line, "branch ")
				current.Branch = strings.TrimPrefix(ref, "refs/heads/")
			}
		}
	}
	flush()

	if len(trees) > 0 {
		trees[0].IsMain = true
	}
	return trees
}
