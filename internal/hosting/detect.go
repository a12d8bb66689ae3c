package hosting

import (
	"regexp"
	"strings"
)

var (
	githubHost = regexp.MustCompile(`github(\.[a-z0-9-]+)*\.[a-z]+[:/]`)
	gitlabHost = regexp.MustCompile(`gitlab(\.[a-z0-9-]+)*\.[a-z]+[:/]`)
)

// DetectProvider classifies a git remote URL. Self-hosted instances
// (github.company.com, gitlab.company.com) are recognized by hostname.
func DetectProvider(remoteURL string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(remoteURL))
	switch {
	case githubHost.MatchString(url):
		return ProviderGitHub
	case gitlabHost.MatchString(url):
		return ProviderGitLab
	}
	return ProviderUnknown
}

// ParseOwnerRepo extracts the owner (possibly "group/subgroup" on GitLab)
// and repository name from a remote URL in SSH, SCP or HTTPS form.
func ParseOwnerRepo(remoteURL string) (owner, repo string) {
	raw := strings.TrimSuffix(strings.TrimSpace(remoteURL), ".git")

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		raw = strings.TrimPrefix(raw, "ssh://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = strings.TrimLeft(raw[idx+1:], "/")
		}
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = raw[idx+1:]
		}
	default:
		// SCP-style: git@host:owner/repo
		if idx := strings.Index(raw, ":"); idx != -1 {
			raw = raw[idx+1:]
		}
	}

	parts := strings.Split(raw, "/")
	if len(parts) < 2 {
		return raw, ""
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
}
