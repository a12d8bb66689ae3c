// Package hosting creates pull requests on git hosting providers for the
// batch git-live path. GitHub and GitLab are supported, auto-detected
// from the origin remote URL.
package hosting

import (
	"context"
	"fmt"
)

// ProviderType identifies a hosting provider.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// PullRequestOptions describe the PR/MR to open.
type PullRequestOptions struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"` // source branch
	Base  string `json:"base"` // target branch
	Draft bool   `json:"draft"`
}

// PullRequest is the created PR/MR.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Provider opens pull requests against one repository.
type Provider interface {
	CreatePullRequest(ctx context.Context, opts PullRequestOptions) (*PullRequest, error)
	Name() ProviderType
	OwnerRepo() (string, string)
}

// Config selects and parameterizes a provider.
type Config struct {
	// Provider is "github", "gitlab" or "auto" (detect from the remote URL).
	Provider string `yaml:"provider" json:"provider"`
	// BaseURL for self-hosted instances; empty for the public services.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
	// TokenEnvVar overrides the token environment variable
	// (GITHUB_TOKEN / GITLAB_TOKEN by default).
	TokenEnvVar string `yaml:"token_env_var" json:"token_env_var,omitempty"`
}

// NewProviderFunc builds a provider for a remote URL. Provider packages
// register their constructors at init time to avoid import cycles.
type NewProviderFunc func(remoteURL string, cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider is called from init() in the provider packages.
func RegisterProvider(pt ProviderType, constructor NewProviderFunc) {
	providerConstructors[pt] = constructor
}

// NewProvider builds the provider for remoteURL. With cfg.Provider "auto"
// or empty the type is detected from the URL.
func NewProvider(remoteURL string, cfg Config) (Provider, error) {
	pt := ProviderType(cfg.Provider)
	if cfg.Provider == "" || cfg.Provider == "auto" {
		pt = DetectProvider(remoteURL)
	}
	if pt == ProviderUnknown {
		return nil, fmt.Errorf("cannot detect hosting provider from remote URL %q (set provider explicitly)", remoteURL)
	}
	constructor, ok := providerConstructors[pt]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", pt)
	}
	return constructor(remoteURL, cfg)
}
