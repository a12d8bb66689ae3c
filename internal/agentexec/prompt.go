package agentexec

import (
	"fmt"
	"strings"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// MaxPromptBytes caps the sanitized prompt size.
const MaxPromptBytes = 100 * 1024

// SanitizePrompt strips control characters (keeping newlines and tabs)
// and enforces the size cap. The result is safe to embed in a
// double-quoted shell string after EscapeDoubleQuoted.
func SanitizePrompt(prompt string) (string, error) {
	var b strings.Builder
	b.Grow(len(prompt))
	for _, r := range prompt {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	clean := b.String()
	if len(clean) > MaxPromptBytes {
		return "", fleeterr.ErrValidation(
			fmt.Sprintf("prompt is %d bytes, the limit is %d", len(clean), MaxPromptBytes),
			"split the task into smaller prompts")
	}
	return clean, nil
}

// EscapeDoubleQuoted escapes s for interpolation inside a double-quoted
// POSIX shell string.
func EscapeDoubleQuoted(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"$", `\$`,
		"`", "\\`",
	)
	return r.Replace(s)
}
