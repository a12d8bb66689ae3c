package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefleet/fleet/internal/claim"
	"github.com/codefleet/fleet/internal/db"
)

func newClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Acquire, release and inspect file claims",
		Long: `File claims coordinate which session may touch which file.

Modes:
  EXCLUSIVE  sole access, blocks every other claim
  SHARED     concurrent reads, coexists with SHARED and INTENT
  INTENT     a declared plan to edit, coexists with SHARED and INTENT`,
	}
	cmd.AddCommand(newClaimAcquireCmd())
	cmd.AddCommand(newClaimReleaseCmd())
	cmd.AddCommand(newClaimEscalateCmd())
	cmd.AddCommand(newClaimCheckCmd())
	cmd.AddCommand(newClaimListCmd())
	cmd.AddCommand(newClaimCleanupCmd())
	return cmd
}

func newClaimAcquireCmd() *cobra.Command {
	var (
		session string
		repo    string
		mode    string
		ttl     time.Duration
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "acquire <file>",
		Short: "Acquire a claim on a file",
		Args:  cobra.ExactArgs(1),
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

			mgr := claim.New(store, claim.Options{})
			c, err := mgr.Acquire(cmd.Context(), claim.AcquireRequest{
				SessionID: session,
				RepoPath:  repo,
				FilePath:  args[0],
				Mode:      db.ClaimMode(mode),
				TTL:       ttl,
				Reason:    reason,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, jsonEnvelope(c))
			}
			fmt.Fprintln(out, green("claim %s acquired (%s on %s)", c.ID, c.Mode, c.FilePath))
			fmt.Fprintf(out, "  expires: %s\n", c.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "owning session id (required)")
	cmd.Flags().StringVar(&repo, "repo", repoFlagDefault(), "repository root path")
	cmd.Flags().StringVar(&mode, "mode", string(db.ClaimExclusive), "claim mode: EXCLUSIVE, SHARED or INTENT")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "claim lifetime (default 24h)")
	cmd.Flags().StringVar(&reason, "reason", "", "human-readable reason")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newClaimReleaseCmd() *cobra.Command {
	var (
		session string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "release <claim-id>",
		Short: "Release a claim",
		Args:  cobra.ExactArgs(1),
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

			released, err := claim.New(store, claim.Options{}).Release(args[0], session, force)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]any{"success": true, "released": released})
			}
			if released {
				fmt.Fprintln(out, green("claim released"))
			} else {
				fmt.Fprintln(out, yellow("nothing released (unknown, inactive or not yours)"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "owning session id")
	cmd.Flags().BoolVar(&force, "force", false, "release regardless of ownership")
	return cmd
}

func newClaimEscalateCmd() *cobra.Command {
	var (
		session string
		mode    string
	)

	cmd := &cobra.Command{
		Use:   "escalate <claim-id>",
		Short: "Escalate a claim to a stronger mode",
		Long: `Escalate INTENT to SHARED or EXCLUSIVE, or SHARED to EXCLUSIVE.
Fails with a conflict when another session's claim blocks the target mode.`,
		Args: cobra.ExactArgs(1),
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

			c, err := claim.New(store, claim.Options{}).Escalate(
				cmd.Context(), args[0], session, db.ClaimMode(mode))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, jsonEnvelope(c))
			}
			fmt.Fprintln(out, green("claim escalated to %s", c.Mode))
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "owning session id (required)")
	cmd.Flags().StringVar(&mode, "mode", string(db.ClaimExclusive), "target mode")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newClaimCheckCmd() *cobra.Command {
	var (
		repo    string
		mode    string
		exclude string
	)

	cmd := &cobra.Command{
		Use:   "check <file>...",
		Short: "Check whether files could be claimed",
		Args:  cobra.MinimumNArgs(1),
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

			res, err := claim.New(store, claim.Options{}).Check(
				cmd.Context(), repo, args, db.ClaimMode(mode), exclude)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, jsonEnvelope(res))
			}
			if res.Available {
				fmt.Fprintln(out, green("available"))
				return nil
			}
			fmt.Fprintln(out, red("blocked by %d conflicting claim(s):", len(res.Conflicts)))
			for _, c := range res.Conflicts {
				fmt.Fprintf(out, "  session %s holds %s", c.SessionID, c.Mode)
				if c.Reason != "" {
					fmt.Fprintf(out, " (%s)", c.Reason)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", repoFlagDefault(), "repository root path")
	cmd.Flags().StringVar(&mode, "mode", string(db.ClaimExclusive), "mode to check")
	cmd.Flags().StringVar(&exclude, "exclude-session", "", "ignore claims held by this session")
	return cmd
}

func newClaimListCmd() *cobra.Command {
	var (
		session string
		repo    string
		file    string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		Args:  cobra.NoArgs,
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

			claims, err := claim.New(store, claim.Options{}).List(db.ClaimFilter{
				SessionID:  session,
				RepoPath:   repo,
				FilePath:   file,
				ActiveOnly: !all,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, jsonEnvelope(claims))
			}
			if len(claims) == 0 {
				fmt.Fprintln(out, "no claims")
				return nil
			}
			for _, c := range claims {
				state := "active"
				if !c.Active {
					state = "inactive"
				}
				fmt.Fprintf(out, "%s  %s  %-9s  %s  session=%s  expires %s\n",
					c.ID, state, c.Mode, c.FilePath, c.SessionID,
					c.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "filter by session id")
	cmd.Flags().StringVar(&repo, "repo", "", "filter by repository root path")
	cmd.Flags().StringVar(&file, "file", "", "filter by file path")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive claims")
	return cmd
}

func newClaimCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep expired and orphaned claims",
		Args:  cobra.NoArgs,
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

			res, err := claim.New(store, claim.Options{}).Cleanup()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, jsonEnvelope(res))
			}
			fmt.Fprintf(out, "expired claims deactivated:  %d\n", res.ExpiredClaims)
			fmt.Fprintf(out, "orphaned claims deactivated: %d\n", res.OrphanedClaims)
			return nil
		},
	}
}
