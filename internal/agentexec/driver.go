// Package agentexec drives one agent run inside a sandbox, from health
// preflight through credential provisioning to exit-code classification.
package agentexec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	fleeterr "github.com/codefleet/fleet/internal/errors"
	"github.com/codefleet/fleet/internal/filesync"
	"github.com/codefleet/fleet/internal/git"
	"github.com/codefleet/fleet/internal/sandbox"
	"github.com/codefleet/fleet/internal/stream"
)

// Agent binary facts. The agent reads its prompt on stdin and edits
// files in the working directory.
const (
	agentBinary      = "claude"
	agentNpmPackage  = "@anthropic-ai/claude-code"
	oauthCredsPath   = "/home/user/.claude/.credentials.json"
	remoteMCPConfig  = "/home/user/.claude/mcp.json"
	agentAPIKeyEnv   = "ANTHROPIC_API_KEY"
	timeoutExitCode  = 124
)

// AuthMethod selects how the agent authenticates in the sandbox.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api-key"
	AuthOAuth  AuthMethod = "oauth"
)

// ExecState classifies a finished run.
type ExecState string

const (
	StateCompleted ExecState = "completed"
	StateFailed    ExecState = "failed"
	StateTimeout   ExecState = "timeout"
)

// RunOptions parameterize one execution.
type RunOptions struct {
	WorkingDir       string
	TimeoutMinutes   int
	StreamOutput     bool
	CaptureFullLog   bool
	LocalLogPath     string
	AuthMethod       AuthMethod
	OAuthCredentials string
	APIKey           string
	GitUser          string
	GitEmail         string
	LocalRepoPath    string
	MCPConfigPath    string
	OnChunk          stream.ChunkFunc
}

// Result reports one finished execution.
type Result struct {
	Success       bool          `json:"success"`
	ExitCode      int           `json:"exitCode"`
	Output        string        `json:"output"`
	FullOutput    string        `json:"fullOutput,omitempty"`
	ExecutionTime time.Duration `json:"executionTime"`
	State         ExecState     `json:"state"`
	RemoteLogPath string        `json:"remoteLogPath"`
	LocalLogPath  string        `json:"localLogPath,omitempty"`
	Identity      GitIdentity   `json:"identity"`
	Err           error         `json:"-"`
}

// HealthChecker is the slice of the sandbox manager the driver needs.
type HealthChecker interface {
	MonitorHealth(ctx context.Context, id string, reconnect bool) *sandbox.HealthStatus
}

// Driver runs agent executions.
type Driver struct {
	health HealthChecker
	runner git.Runner
	log    *slog.Logger
}

// NewDriver builds a driver. runner reads the local git config for
// identity resolution; pass nil to use the real git binary.
func NewDriver(health HealthChecker, runner git.Runner, logger *slog.Logger) *Driver {
	if runner == nil {
		runner = git.ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{health: health, runner: runner, log: logger}
}

// Run executes the prompt in the sandbox and classifies the outcome.
func (d *Driver) Run(ctx context.Context, sb sandbox.Sandbox, prompt string, opts RunOptions) (*Result, error) {
	start := time.Now()
	if opts.WorkingDir == "" {
		opts.WorkingDir = "/workspace"
	}
	if opts.TimeoutMinutes <= 0 {
		opts.TimeoutMinutes = 30
	}
	if opts.AuthMethod == "" {
		opts.AuthMethod = AuthAPIKey
	}

	res := &Result{
		State:         StateFailed,
		ExitCode:      -1,
		RemoteLogPath: opts.WorkingDir + "/.fleet-agent.log",
		LocalLogPath:  opts.LocalLogPath,
	}
	fail := func(err error) (*Result, error) {
		res.Err = err
		res.ExecutionTime = time.Since(start)
		return res, err
	}

	// Phase 1: health preflight.
	if st := d.health.MonitorHealth(ctx, sb.ID(), false); !st.IsHealthy {
		return fail(fleeterr.ErrExecutionFailed("sandbox failed the health preflight: "+st.Message, st.Err))
	}

	// Phase 2: agent binary assurance.
	if err := d.ensureAgent(ctx, sb); err != nil {
		return fail(err)
	}

	// Phase 3: best-effort self-update.
	d.selfUpdate(ctx, sb)

	// Phase 4: credentials.
	exports, err := d.provisionCredentials(ctx, sb, opts)
	if err != nil {
		return fail(err)
	}

	// Phase 5: git identity.
	identity := ResolveGitIdentity(opts.GitUser, opts.GitEmail, opts.LocalRepoPath, d.runner)
	res.Identity = identity
	d.log.Info("git identity resolved",
		"name", identity.Name, "email", identity.Email, "source", identity.Source)

	// Phase 6: workspace init (non-fatal).
	d.initWorkspace(ctx, sb, opts, identity)

	// Phase 7: MCP tooling (non-fatal).
	d.installTooling(ctx, sb, opts)

	// Phase 8: run.
	clean, err := SanitizePrompt(prompt)
	if err != nil {
		return fail(err)
	}
	cmd := buildAgentCommand(opts.WorkingDir, exports, clean, res.RemoteLogPath)

	var streamer *stream.Streamer
	if opts.StreamOutput || opts.CaptureFullLog {
		sOpts := stream.Options{Logger: d.log}
		if opts.CaptureFullLog {
			sOpts.LocalMirror = opts.LocalLogPath
		}
		streamer = stream.New(sb, res.RemoteLogPath, sOpts)
		if opts.OnChunk != nil {
			streamer.OnChunk(opts.OnChunk)
		}
		streamer.Start(ctx)
	}

	out, runErr := sb.RunCommand(ctx, cmd, time.Duration(opts.TimeoutMinutes)*time.Minute)

	if streamer != nil {
		streamer.Stop(context.WithoutCancel(ctx))
		res.Output = streamer.GetBufferedOutput()
		if opts.CaptureFullLog {
			if full, err := streamer.GetFullOutput(); err == nil {
				res.FullOutput = full
			}
		}
	}
	res.ExecutionTime = time.Since(start)

	// Phase 9: classify.
	if runErr != nil {
		if looksLikeTimeout(runErr) {
			res.State = StateTimeout
			res.Err = fleeterr.ErrExecutionTimeout(opts.TimeoutMinutes)
			return res, res.Err
		}
		res.Err = fleeterr.ErrExecutionFailed("remote agent command failed", runErr)
		return res, res.Err
	}

	res.ExitCode = out.ExitCode
	if res.Output == "" {
		res.Output = tailString(out.Stdout, stream.DefaultRingSize)
	}
	switch out.ExitCode {
	case 0:
		res.State = StateCompleted
		res.Success = true
	case timeoutExitCode:
		res.State = StateTimeout
		res.Err = fleeterr.ErrExecutionTimeout(opts.TimeoutMinutes)
	default:
		res.State = StateFailed
		res.Err = fleeterr.ErrExecutionFailed(
			fmt.Sprintf("agent exited %d", out.ExitCode), nil)
	}

	d.log.Info("agent run finished",
		"state", res.State, "exit_code", res.ExitCode, "duration", res.ExecutionTime)
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// ensureAgent checks the agent binary and installs it when missing.
func (d *Driver) ensureAgent(ctx context.Context, sb sandbox.Sandbox) error {
	probe, err := sb.RunCommand(ctx, "command -v "+agentBinary, time.Minute)
	if err != nil {
		return fleeterr.ErrExecutionFailed("agent binary probe failed", err)
	}
	if probe.ExitCode == 0 {
		return nil
	}

	npm, err := sb.RunCommand(ctx, "command -v npm", time.Minute)
	if err != nil || npm.ExitCode != 0 {
		return fleeterr.ErrExecutionFailed(
			fmt.Sprintf("the %s binary is missing and the base image has no npm to install it", agentBinary), err)
	}

	install, err := sb.RunCommand(ctx, "npm install -g "+agentNpmPackage, 10*time.Minute)
	if err != nil {
		return fleeterr.ErrExecutionFailed("agent install failed", err)
	}
	if install.ExitCode != 0 {
		return fleeterr.ErrExecutionFailed(
			"agent install exited "+fmt.Sprint(install.ExitCode)+": "+tailString(install.Stderr, 2048), nil)
	}
	d.log.Info("agent binary installed", "package", agentNpmPackage)
	return nil
}

// selfUpdate tries to bring the agent to the latest version. Never fatal:
// an unchanged version, an "already up to date" message and an outright
// failure all leave the existing install in place.
func (d *Driver) selfUpdate(ctx context.Context, sb sandbox.Sandbox) {
	before := d.agentVersion(ctx, sb)

	upd, err := sb.RunCommand(ctx, agentBinary+" update --yes", 5*time.Minute)
	if err == nil && upd.ExitCode == 0 {
		d.log.Debug("agent self-update succeeded")
		return
	}
	if upd != nil && strings.Contains(strings.ToLower(upd.Stdout+upd.Stderr), "already up to date") {
		return
	}

	inst, err := sb.RunCommand(ctx, "npm install -g "+agentNpmPackage+"@latest", 10*time.Minute)
	if err == nil && inst.ExitCode == 0 {
		return
	}

	after := d.agentVersion(ctx, sb)
	if before != "" && before == after {
		// Same working version as before; nothing was broken.
		return
	}
	d.log.Warn("agent self-update failed, continuing with the installed version")
}

func (d *Driver) agentVersion(ctx context.Context, sb sandbox.Sandbox) string {
	out, err := sb.RunCommand(ctx, agentBinary+" --version", time.Minute)
	if err != nil || out.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(out.Stdout)
}

// provisionCredentials installs auth material and returns the export
// prefix for the run command.
func (d *Driver) provisionCredentials(ctx context.Context, sb sandbox.Sandbox, opts RunOptions) (string, error) {
	switch opts.AuthMethod {
	case AuthOAuth:
		if opts.OAuthCredentials == "" {
			return "", fleeterr.ErrValidation(
				"oauth auth requested without credentials",
				"pass the oauth credentials blob")
		}
		cmd := fmt.Sprintf("mkdir -p %s && echo %s > %s && chmod 600 %s",
			filesync.ShellQuote("/home/user/.claude"),
			filesync.ShellQuote(opts.OAuthCredentials),
			filesync.ShellQuote(oauthCredsPath),
			filesync.ShellQuote(oauthCredsPath))
		out, err := sb.RunCommand(ctx, cmd, time.Minute)
		if err != nil {
			return "", fleeterr.ErrExecutionFailed("oauth credential provisioning failed", err)
		}
		if out.ExitCode != 0 {
			return "", fleeterr.ErrExecutionFailed(
				"oauth credential provisioning exited "+fmt.Sprint(out.ExitCode), nil)
		}
		return "", nil

	case AuthAPIKey:
		key := opts.APIKey
		if key == "" {
			key = os.Getenv(agentAPIKeyEnv)
		}
		if key == "" {
			return "", fleeterr.ErrAPIKeyMissing(agentAPIKeyEnv)
		}
		return fmt.Sprintf("export %s=%s", agentAPIKeyEnv, filesync.ShellQuote(key)), nil
	}
	return "", fleeterr.ErrValidation(
		fmt.Sprintf("unknown auth method %q", opts.AuthMethod),
		"use api-key or oauth")
}

// initWorkspace sets up a fresh git repo in the remote working directory
// so the agent's edits are diffable. Failures are logged, never fatal.
func (d *Driver) initWorkspace(ctx context.Context, sb sandbox.Sandbox, opts RunOptions, id GitIdentity) {
	wd := filesync.ShellQuote(opts.WorkingDir)
	steps := []string{
		fmt.Sprintf("cd %s && git init -q", wd),
		fmt.Sprintf(`cd %s && git config user.name "%s" && git config user.email "%s"`,
			wd, EscapeDoubleQuoted(id.Name), EscapeDoubleQuoted(id.Email)),
		fmt.Sprintf("cd %s && git add -A && git commit -q -m 'Initial workspace snapshot' --allow-empty", wd),
	}

	if opts.LocalRepoPath != "" {
		if origin, err := d.runner.Run(opts.LocalRepoPath, "git", "remote", "get-url", "origin"); err == nil {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				steps = append(steps, fmt.Sprintf("cd %s && git remote add origin %s", wd, filesync.ShellQuote(origin)))
			}
		}
	}

	for _, step := range steps {
		out, err := sb.RunCommand(ctx, step, time.Minute)
		if err != nil {
			d.log.Warn("workspace init step failed", "step", step, "error", err)
			return
		}
		if out.ExitCode != 0 {
			d.log.Warn("workspace init step failed",
				"step", step, "exit_code", out.ExitCode, "stderr", tailString(out.Stderr, 512))
			return
		}
	}
}

// installTooling copies the local MCP configuration into the sandbox.
func (d *Driver) installTooling(ctx context.Context, sb sandbox.Sandbox, opts RunOptions) {
	if opts.MCPConfigPath == "" {
		return
	}
	data, err := os.ReadFile(opts.MCPConfigPath)
	if err != nil {
		d.log.Warn("mcp config unreadable", "path", opts.MCPConfigPath, "error", err)
		return
	}
	if _, err := sb.RunCommand(ctx, "mkdir -p "+filesync.ShellQuote("/home/user/.claude"), time.Minute); err != nil {
		d.log.Warn("mcp config install failed", "error", err)
		return
	}
	if err := sb.WriteFile(ctx, remoteMCPConfig, data); err != nil {
		d.log.Warn("mcp config install failed", "error", err)
	}
}

// buildAgentCommand assembles the pipeline that feeds the prompt to the
// agent and captures all output in the remote log.
func buildAgentCommand(workingDir, exports, prompt, logPath string) string {
	var b strings.Builder
	b.WriteString("cd " + filesync.ShellQuote(workingDir))
	if exports != "" {
		b.WriteString(" && " + exports)
	}
	b.WriteString(fmt.Sprintf(` && echo "%s" | %s -p --dangerously-skip-permissions > %s 2>&1`,
		EscapeDoubleQuoted(prompt), agentBinary, filesync.ShellQuote(logPath)))
	return b.String()
}

// looksLikeTimeout recognizes timeout-flavored transport errors.
func looksLikeTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
