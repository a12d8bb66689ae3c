// Package gitlab implements hosting.Provider with the GitLab client.
package gitlab

import (
	"context"
	"fmt"
	"os"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/codefleet/fleet/internal/hosting"
)

var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// Provider opens merge requests through the GitLab API.
type Provider struct {
	client    *gogitlab.Client
	projectID string // full "group/subgroup/repo" path
	owner     string
	repo      string
}

func newProvider(remoteURL string, cfg hosting.Config) (hosting.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	owner, repo := hosting.ParseOwnerRepo(remoteURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL: %s", remoteURL)
	}

	var client *gogitlab.Client
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &Provider{
		client:    client,
		projectID: owner + "/" + repo,
		owner:     owner,
		repo:      repo,
	}, nil
}

func resolveToken(cfg hosting.Config) (string, error) {
	if cfg.TokenEnvVar != "" {
		if token := os.Getenv(cfg.TokenEnvVar); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("%s environment variable is not set", cfg.TokenEnvVar)
	}
	if token := os.Getenv("GITLAB_TOKEN"); token != "" {
		return token, nil
	}
	if token := os.Getenv("GITLAB_PRIVATE_TOKEN"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("GITLAB_TOKEN or GITLAB_PRIVATE_TOKEN environment variable is not set (required for GitLab API access)")
}

// Name returns the provider type.
func (p *Provider) Name() hosting.ProviderType { return hosting.ProviderGitLab }

// OwnerRepo returns the owner (possibly nested group path) and repo name.
func (p *Provider) OwnerRepo() (string, string) { return p.owner, p.repo }

// CreatePullRequest opens a merge request from opts.Head into opts.Base.
func (p *Provider) CreatePullRequest(ctx context.Context, opts hosting.PullRequestOptions) (*hosting.PullRequest, error) {
	title := opts.Title
	if opts.Draft {
		title = "Draft: " + title
	}

	mr, _, err := p.client.MergeRequests.CreateMergeRequest(p.projectID, &gogitlab.CreateMergeRequestOptions{
		Title:              gogitlab.Ptr(title),
		Description:        gogitlab.Ptr(opts.Body),
		SourceBranch:       gogitlab.Ptr(opts.Head),
		TargetBranch:       gogitlab.Ptr(opts.Base),
		RemoveSourceBranch: gogitlab.Ptr(true),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create MR: %w", err)
	}
	return &hosting.PullRequest{
		Number: int(mr.IID),
		URL:    mr.WebURL,
	}, nil
}
