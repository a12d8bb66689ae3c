package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codefleet/fleet/internal/claim"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep stale sessions, orphaned worktrees and dead claims",
		Long: `Run both cleanup sweeps: stale sessions (dead pid or old heartbeat)
with their worktrees, and expired or orphaned file claims. Sweeps are
rate-gated through the store, so concurrent fleet processes do not race.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := newCoordinator(store, cfg).Cleanup()
			if err != nil {
				return err
			}
			claims, err := claim.New(store, claim.Options{}).Cleanup()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]any{
					"success":  true,
					"sessions": sessions,
					"claims":   claims,
				})
			}
			fmt.Fprintf(out, "stale sessions released:     %d\n", sessions.StaleSessions)
			fmt.Fprintf(out, "orphaned worktrees removed:  %d\n", sessions.OrphanedWorktrees)
			fmt.Fprintf(out, "expired claims deactivated:  %d\n", claims.ExpiredClaims)
			fmt.Fprintf(out, "orphaned claims deactivated: %d\n", claims.OrphanedClaims)
			return nil
		},
	}
}
