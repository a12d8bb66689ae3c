package git

import (
	"math/rand"
	"strconv"
	"time"
)

// DefaultWorktreePrefix names worktrees created for parallel sessions.
const DefaultWorktreePrefix = "parallel-"

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateWorktreeName returns a unique worktree name:
// prefix + base36 millisecond timestamp + "-" + 4 random characters.
func GenerateWorktreeName(prefix string) string {
	if prefix == "" {
		prefix = DefaultWorktreePrefix
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)

	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = nameAlphabet[rand.Intn(len(nameAlphabet))]
	}
	return prefix + ts + "-" + string(suffix)
}
