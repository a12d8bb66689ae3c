package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0-dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show fleet version",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOut {
				_ = printJSON(cmd.OutOrStdout(), map[string]any{"success": true, "version": Version})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fleet version %s\n", Version)
		},
	}
}
