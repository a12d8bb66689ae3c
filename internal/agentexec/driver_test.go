package agentexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fleeterr "github.com/codefleet/fleet/internal/errors"
	"github.com/codefleet/fleet/internal/sandbox"
)

// fakeSandbox answers scripted remote commands.
type fakeSandbox struct {
	commands []string
	respond  func(cmd string) (*sandbox.CommandResult, error)
}

func (f *fakeSandbox) ID() string { return "sb-exec" }

func (f *fakeSandbox) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*sandbox.CommandResult, error) {
	f.commands = append(f.commands, cmd)
	if f.respond != nil {
		return f.respond(cmd)
	}
	return &sandbox.CommandResult{ExitCode: 0}, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (f *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error)     { return nil, nil }
func (f *fakeSandbox) IsRunning(ctx context.Context) (bool, error)                   { return true, nil }
func (f *fakeSandbox) Kill(ctx context.Context) error                                { return nil }
func (f *fakeSandbox) SetTimeout(ctx context.Context, d time.Duration) error         { return nil }

type fakeHealth struct{ healthy bool }

func (f *fakeHealth) MonitorHealth(ctx context.Context, id string, reconnect bool) *sandbox.HealthStatus {
	if f.healthy {
		return &sandbox.HealthStatus{IsHealthy: true}
	}
	return &sandbox.HealthStatus{IsHealthy: false, Message: "gone"}
}

// fakeGitRunner answers git config lookups.
type fakeGitRunner struct {
	values map[string]string
}

func (f *fakeGitRunner) Run(dir, name string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return "", errors.New("not configured")
}

func (f *fakeGitRunner) LookPath(name string) bool { return true }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDriver(healthy bool) (*Driver, *fakeGitRunner) {
	runner := &fakeGitRunner{values: map[string]string{}}
	return NewDriver(&fakeHealth{healthy: healthy}, runner, quietLogger()), runner
}

func baseOpts() RunOptions {
	return RunOptions{
		WorkingDir:     "/workspace",
		TimeoutMinutes: 10,
		AuthMethod:     AuthAPIKey,
		APIKey:         "sk-test",
	}
}

func TestRunCompletes(t *testing.T) {
	d, _ := newTestDriver(true)
	sb := &fakeSandbox{}

	res, err := d.Run(t.Context(), sb, "fix the bug", baseOpts())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 0, res.ExitCode)

	var runCmd string
	for _, cmd := range sb.commands {
		if strings.Contains(cmd, "--dangerously-skip-permissions") {
			runCmd = cmd
		}
	}
	require.NotEmpty(t, runCmd)
	require.Contains(t, runCmd, `cd '/workspace'`)
	require.Contains(t, runCmd, "export ANTHROPIC_API_KEY='sk-test'")
	require.Contains(t, runCmd, `echo "fix the bug" | claude -p`)
	require.Contains(t, runCmd, "> '/workspace/.fleet-agent.log' 2>&1")
}

func TestRunFailsPreflight(t *testing.T) {
	d, _ := newTestDriver(false)
	sb := &fakeSandbox{}

	res, err := d.Run(t.Context(), sb, "prompt", baseOpts())
	require.Error(t, err)
	require.Equal(t, StateFailed, res.State)
	require.Empty(t, sb.commands, "no remote command before a healthy preflight")
}

func TestRunClassifiesExitCodes(t *testing.T) {
	cases := []struct {
		exit    int
		state   ExecState
		success bool
		code    fleeterr.Code
	}{
		{0, StateCompleted, true, ""},
		{124, StateTimeout, false, fleeterr.CodeExecutionTimeout},
		{5, StateFailed, false, fleeterr.CodeExecutionFailed},
	}
	for _, tc := range cases {
		d, _ := newTestDriver(true)
		sb := &fakeSandbox{respond: func(cmd string) (*sandbox.CommandResult, error) {
			if strings.Contains(cmd, "--dangerously-skip-permissions") {
				return &sandbox.CommandResult{ExitCode: tc.exit}, nil
			}
			return &sandbox.CommandResult{ExitCode: 0}, nil
		}}

		res, err := d.Run(t.Context(), sb, "prompt", baseOpts())
		require.Equal(t, tc.state, res.State, "exit %d", tc.exit)
		require.Equal(t, tc.success, res.Success)
		if tc.success {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
			require.Equal(t, tc.code, fleeterr.CodeOf(err))
		}
	}
}

func TestRunMapsTimeoutErrors(t *testing.T) {
	d, _ := newTestDriver(true)
	sb := &fakeSandbox{respond: func(cmd string) (*sandbox.CommandResult, error) {
		if strings.Contains(cmd, "--dangerously-skip-permissions") {
			return nil, errors.New("request timed out after 600s")
		}
		return &sandbox.CommandResult{ExitCode: 0}, nil
	}}

	res, err := d.Run(t.Context(), sb, "prompt", baseOpts())
	require.Error(t, err)
	require.Equal(t, StateTimeout, res.State)
	require.Equal(t, fleeterr.CodeExecutionTimeout, fleeterr.CodeOf(err))
}

func TestEnsureAgentInstallsWhenMissing(t *testing.T) {
	d, _ := newTestDriver(true)
	installed := false
	sb := &fakeSandbox{respond: func(cmd string) (*sandbox.CommandResult, error) {
		switch {
		case cmd == "command -v claude" && !installed:
			return &sandbox.CommandResult{ExitCode: 1}, nil
		case strings.HasPrefix(cmd, "npm install -g"):
			installed = true
			return &sandbox.CommandResult{ExitCode: 0}, nil
		}
		return &sandbox.CommandResult{ExitCode: 0}, nil
	}}

	_, err := d.Run(t.Context(), sb, "prompt", baseOpts())
	require.NoError(t, err)
	require.True(t, installed)
}

func TestEnsureAgentFailsWithoutNpm(t *testing.T) {
	d, _ := newTestDriver(true)
	sb := &fakeSandbox{respond: func(cmd string) (*sandbox.CommandResult, error) {
		if strings.HasPrefix(cmd, "command -v") {
			return &sandbox.CommandResult{ExitCode: 1}, nil
		}
		return &sandbox.CommandResult{ExitCode: 0}, nil
	}}

	_, err := d.Run(t.Context(), sb, "prompt", baseOpts())
	require.Error(t, err)
	require.Equal(t, fleeterr.CodeExecutionFailed, fleeterr.CodeOf(err))
}

func TestOAuthCredentialProvisioning(t *testing.T) {
	d, _ := newTestDriver(true)
	sb := &fakeSandbox{}

	opts := baseOpts()
	opts.AuthMethod = AuthOAuth
	opts.OAuthCredentials = `{"token":"it's secret"}`

	_, err := d.Run(t.Context(), sb, "prompt", opts)
	require.NoError(t, err)

	var provisioned string
	for _, cmd := range sb.commands {
		if strings.Contains(cmd, ".credentials.json") {
			provisioned = cmd
		}
	}
	require.NotEmpty(t, provisioned)
	require.Contains(t, provisioned, `'{"token":"it'\''s secret"}'`, "blob is shell-quoted")
	require.Contains(t, provisioned, "chmod 600")

	// No API key export on the oauth path.
	for _, cmd := range sb.commands {
		if strings.Contains(cmd, "--dangerously-skip-permissions") {
			require.NotContains(t, cmd, "export ANTHROPIC_API_KEY")
		}
	}
}

func TestOAuthWithoutBlobFails(t *testing.T) {
	d, _ := newTestDriver(true)
	opts := baseOpts()
	opts.AuthMethod = AuthOAuth
	opts.OAuthCredentials = ""

	_, err := d.Run(t.Context(), &fakeSandbox{}, "prompt", opts)
	require.Error(t, err)
	require.Equal(t, fleeterr.CodeValidation, fleeterr.CodeOf(err))
}

func TestAPIKeyMissingFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	d, _ := newTestDriver(true)
	opts := baseOpts()
	opts.APIKey = ""

	_, err := d.Run(t.Context(), &fakeSandbox{}, "prompt", opts)
	require.Error(t, err)
	require.Equal(t, fleeterr.CodeAPIKeyMissing, fleeterr.CodeOf(err))
}

func TestWorkspaceInitUsesResolvedIdentity(t *testing.T) {
	d, runner := newTestDriver(true)
	runner.values["config user.name"] = "Dana Dev"
	runner.values["config user.email"] = "dana@example.com"
	runner.values["remote get-url origin"] = "git@github.com:acme/app.git"

	sb := &fakeSandbox{}
	opts := baseOpts()
	opts.LocalRepoPath = "/local/repo"

	res, err := d.Run(t.Context(), sb, "prompt", opts)
	require.NoError(t, err)
	require.Equal(t, SourceAuto, res.Identity.Source)
	require.Equal(t, "Dana Dev", res.Identity.Name)

	joined := strings.Join(sb.commands, "\n")
	require.Contains(t, joined, `git config user.name "Dana Dev"`)
	require.Contains(t, joined, `git config user.email "dana@example.com"`)
	require.Contains(t, joined, "git remote add origin 'git@github.com:acme/app.git'")
}

func TestResolveGitIdentity(t *testing.T) {
	runner := &fakeGitRunner{values: map[string]string{
		"config user.name":  "Local Name",
		"config user.email": "local@example.com",
	}}

	id := ResolveGitIdentity("CLI Name", "cli@example.com", "/repo", runner)
	require.Equal(t, SourceCLI, id.Source)

	// Partial CLI pair falls through to env.
	t.Setenv(EnvGitUser, "Env Name")
	t.Setenv(EnvGitEmail, "env@example.com")
	id = ResolveGitIdentity("CLI Name", "", "/repo", runner)
	require.Equal(t, SourceEnv, id.Source)
	require.Equal(t, "Env Name", id.Name)

	// Partial env pair falls through to the local repo config.
	t.Setenv(EnvGitEmail, "")
	id = ResolveGitIdentity("", "", "/repo", runner)
	require.Equal(t, SourceAuto, id.Source)
	require.Equal(t, "Local Name", id.Name)

	// Nothing resolvable: default.
	id = ResolveGitIdentity("", "", "", nil)
	require.Equal(t, SourceDefault, id.Source)
	require.Equal(t, DefaultGitUser, id.Name)
	require.Equal(t, DefaultGitEmail, id.Email)
}

func TestSanitizePrompt(t *testing.T) {
	clean, err := SanitizePrompt("line1\nline2\tok\x07\x1b[31m")
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\tok[31m", clean)

	_, err = SanitizePrompt(strings.Repeat("a", MaxPromptBytes+1))
	require.Error(t, err)
	require.Equal(t, fleeterr.CodeValidation, fleeterr.CodeOf(err))

	atLimit, err := SanitizePrompt(strings.Repeat("a", MaxPromptBytes))
	require.NoError(t, err)
	require.Len(t, atLimit, MaxPromptBytes)
}

func TestEscapeDoubleQuoted(t *testing.T) {
	require.Equal(t, `say \"hi\"`, EscapeDoubleQuoted(`say "hi"`))
	require.Equal(t, "\\$HOME and \\`cmd\\`", EscapeDoubleQuoted("$HOME and `cmd`"))
	require.Equal(t, `back\\slash`, EscapeDoubleQuoted(`back\slash`))
}
