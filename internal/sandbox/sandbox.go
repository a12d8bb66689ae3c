// Package sandbox tracks remote execution sandboxes: lifecycle, timeout
// enforcement, health monitoring and cost/budget accounting.
package sandbox

import (
	"context"
	"time"
)

// CommandResult is the outcome of one remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is a handle to one remote execution environment.
type Sandbox interface {
	ID() string
	RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error)
	WriteFile(ctx context.Context, remotePath string, data []byte) error
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	IsRunning(ctx context.Context) (bool, error)
	Kill(ctx context.Context) error
	SetTimeout(ctx context.Context, d time.Duration) error
}

// CreateOpts parameterize sandbox creation.
type CreateOpts struct {
	Timeout  time.Duration
	Metadata map[string]string
}

// Provider creates and reattaches sandboxes.
type Provider interface {
	Create(ctx context.Context, template string, opts CreateOpts) (Sandbox, error)
	Reconnect(ctx context.Context, id string) (Sandbox, error)
}
