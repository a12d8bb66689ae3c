package git

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateWorktreeName(t *testing.T) {
	re := regexp.MustCompile(`^parallel-[0-9a-z]+-[a-z0-9]{4}$`)

	name := GenerateWorktreeName("")
	require.Regexp(t, re, name)

	custom := GenerateWorktreeName("batch-")
	require.Regexp(t, `^batch-[0-9a-z]+-[a-z0-9]{4}$`, custom)
}

func TestGenerateWorktreeNameUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		n := GenerateWorktreeName("")
		require.False(t, seen[n], "duplicate name %s", n)
		seen[n] = true
	}
}
