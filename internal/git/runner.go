// Package git provides the worktree adapter for fleet.
//
// The adapter prefers the dedicated gtr tool when it is installed and
// falls back to raw `git worktree` commands otherwise.
package git

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git (and gtr) commands in a repository. It exists so
// tests can substitute a fake.
type Runner interface {
	// Run executes name with args in dir, returning combined trimmed output.
	Run(dir, name string, args ...string) (string, error)
	// LookPath reports whether a binary is on PATH.
	LookPath(name string) bool
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns trimmed stdout. Stderr is folded
// into the error on failure.
func (ExecRunner) Run(dir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// LookPath reports whether name resolves on PATH.
func (ExecRunner) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
