package hosting

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	cases := []struct {
		url  string
		want ProviderType
	}{
		{"git@github.com:acme/app.git", ProviderGitHub},
		{"https://github.com/acme/app.git", ProviderGitHub},
		{"https://github.company.com/org/app.git", ProviderGitHub},
		{"git@gitlab.com:group/app.git", ProviderGitLab},
		{"https://gitlab.internal.example.io/group/app.git", ProviderGitLab},
		{"https://bitbucket.org/acme/app.git", ProviderUnknown},
		{"", ProviderUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, DetectProvider(tc.url), tc.url)
	}
}

func TestParseOwnerRepo(t *testing.T) {
	cases := []struct {
		url   string
		owner string
		repo  string
	}{
		{"git@github.com:acme/app.git", "acme", "app"},
		{"https://github.com/acme/app.git", "acme", "app"},
		{"ssh://git@github.com:22/acme/app.git", "acme", "app"},
		{"git@gitlab.com:group/subgroup/app.git", "group/subgroup", "app"},
		{"https://gitlab.com/group/subgroup/app", "group/subgroup", "app"},
	}
	for _, tc := range cases {
		owner, repo := ParseOwnerRepo(tc.url)
		require.Equal(t, tc.owner, owner, tc.url)
		require.Equal(t, tc.repo, repo, tc.url)
	}
}

func TestNewProviderUnknownURL(t *testing.T) {
	_, err := NewProvider("https://bitbucket.org/acme/app.git", Config{})
	require.Error(t, err)
}
