// Package main provides the entry point for the fleet CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/codefleet/fleet/internal/cli"
	fleeterr "github.com/codefleet/fleet/internal/errors"
)

func main() {
	if err := cli.Execute(); err != nil {
		exitWith(err)
	}
}

// exitWith reports the failure and picks the exit code: 2 for invalid
// arguments, 1 for everything else.
func exitWith(err error) {
	code := 1
	if fleeterr.CodeOf(err) == fleeterr.CodeValidation || isUsageError(err) {
		code = 2
	}

	if hasJSONFlag() {
		doc := map[string]any{"success": false, "error": err.Error()}
		if fe := fleeterr.AsFleetError(err); fe != nil {
			doc["error"] = fe
		}
		_ = json.NewEncoder(os.Stderr).Encode(doc)
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(code)
}

// isUsageError spots cobra's own parse failures, which are plain errors.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"unknown flag", "unknown command", "invalid argument", "required flag", "accepts "} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// hasJSONFlag re-scans argv because cobra has already exited its parse.
func hasJSONFlag() bool {
	for _, arg := range os.Args[1:] {
		if arg == "--json" {
			return true
		}
	}
	return false
}
