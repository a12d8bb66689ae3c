package filesync

import (
	"fmt"
	"path/filepath"
	"strings"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// ValidatePath rejects paths that could escape the workspace when used
// in remote commands: absolute paths, traversal components, NUL bytes.
func ValidatePath(path string) error {
	if path == "" {
		return fleeterr.ErrValidation("path is empty", "pass a relative path")
	}
	if strings.ContainsRune(path, 0) {
		return fleeterr.ErrValidation(
			fmt.Sprintf("path %q contains a NUL byte", path),
			"pass a clean relative path")
	}
	if filepath.IsAbs(path) {
		return fleeterr.ErrValidation(
			fmt.Sprintf("path %q is absolute", path),
			"pass a path relative to the workspace")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fleeterr.ErrValidation(
				fmt.Sprintf("path %q contains a traversal component", path),
				"remove the .. components")
		}
	}
	return nil
}

// ShellQuote single-quotes s for POSIX shells, rewriting embedded
// single quotes with the '\'' idiom.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
