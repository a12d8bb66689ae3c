// Package github implements hosting.Provider with the go-github client.
package github

import (
	"context"
	"fmt"
	"os"
	"strings"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/codefleet/fleet/internal/hosting"
)

var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// Provider opens pull requests through the GitHub API.
type Provider struct {
	client *gogithub.Client
	owner  string
	repo   string
}

func newProvider(remoteURL string, cfg hosting.Config) (hosting.Provider, error) {
	envVar := cfg.TokenEnvVar
	if envVar == "" {
		envVar = "GITHUB_TOKEN"
	}
	token := os.Getenv(envVar)
	if token == "" {
		return nil, fmt.Errorf("%s environment variable is not set (required for GitHub API access)", envVar)
	}

	owner, repo := hosting.ParseOwnerRepo(remoteURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL: %s", remoteURL)
	}

	client := gogithub.NewClient(nil).WithAuthToken(token)
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var err error
		client.BaseURL, err = client.BaseURL.Parse(baseURL + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
	}

	return &Provider{client: client, owner: owner, repo: repo}, nil
}

// Name returns the provider type.
func (p *Provider) Name() hosting.ProviderType { return hosting.ProviderGitHub }

// OwnerRepo returns the owner and repository name.
func (p *Provider) OwnerRepo() (string, string) { return p.owner, p.repo }

// CreatePullRequest opens a PR from opts.Head into opts.Base.
func (p *Provider) CreatePullRequest(ctx context.Context, opts hosting.PullRequestOptions) (*hosting.PullRequest, error) {
	created, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return &hosting.PullRequest{
		Number: created.GetNumber(),
		URL:    created.GetHTMLURL(),
	}, nil
}
