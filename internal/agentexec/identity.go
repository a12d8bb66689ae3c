package agentexec

import (
	"os"
	"strings"

	"github.com/codefleet/fleet/internal/git"
)

// Environment overrides for the commit identity.
const (
	EnvGitUser  = "FLEET_GIT_USER"
	EnvGitEmail = "FLEET_GIT_EMAIL"
)

// Default identity when nothing else resolves.
const (
	DefaultGitUser  = "Fleet Agent"
	DefaultGitEmail = "fleet@localhost"
)

// IdentitySource records where the resolved identity came from.
type IdentitySource string

const (
	SourceCLI     IdentitySource = "cli"
	SourceEnv     IdentitySource = "env"
	SourceAuto    IdentitySource = "auto"
	SourceDefault IdentitySource = "default"
)

// GitIdentity is the name/email pair used for remote commits.
type GitIdentity struct {
	Name   string         `json:"name"`
	Email  string         `json:"email"`
	Source IdentitySource `json:"source"`
}

// ResolveGitIdentity picks the commit identity in priority order:
// explicit CLI overrides, environment overrides, the local repository's
// configured identity, then the built-in default. A partial pair at any
// level falls through to the next.
func ResolveGitIdentity(cliUser, cliEmail, localRepoPath string, runner git.Runner) GitIdentity {
	if cliUser != "" && cliEmail != "" {
		return GitIdentity{Name: cliUser, Email: cliEmail, Source: SourceCLI}
	}

	envUser, envEmail := os.Getenv(EnvGitUser), os.Getenv(EnvGitEmail)
	if envUser != "" && envEmail != "" {
		return GitIdentity{Name: envUser, Email: envEmail, Source: SourceEnv}
	}

	if localRepoPath != "" && runner != nil {
		name, nameErr := runner.Run(localRepoPath, "git", "config", "user.name")
		email, emailErr := runner.Run(localRepoPath, "git", "config", "user.email")
		name, email = strings.TrimSpace(name), strings.TrimSpace(email)
		if nameErr == nil && emailErr == nil && name != "" && email != "" {
			return GitIdentity{Name: name, Email: email, Source: SourceAuto}
		}
	}

	return GitIdentity{Name: DefaultGitUser, Email: DefaultGitEmail, Source: SourceDefault}
}
