package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codefleet/fleet/internal/db"
	"github.com/codefleet/fleet/internal/mergewatch"
)

func newWatchCmd() *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch subscribed branches for merges",
		Long: `Poll active merge subscriptions and record a merge event when a
subscribed branch's tip becomes reachable from its target branch.
Runs until interrupted unless --once is given.`,
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

			w := mergewatch.New(store, mergewatch.Options{Interval: interval})

			if once {
				res, err := w.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return printJSON(out, jsonEnvelope(res))
				}
				fmt.Fprintf(out, "subscriptions checked: %d\n", res.SubscriptionsChecked)
				fmt.Fprintf(out, "new merges: %d   notifications sent: %d\n",
					len(res.NewMerges), res.NotificationsSent)
				for _, e := range res.NewMerges {
					fmt.Fprintln(out, green("  %s merged into %s (%s)", e.BranchName, e.TargetBranch, e.SourceCommit))
				}
				for _, msg := range res.Errors {
					fmt.Fprintln(out, red("  error: %s", msg))
				}
				return nil
			}

			return w.Watch(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "poll once and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default 60s, floor 5s)")
	cmd.AddCommand(newWatchSubscribeCmd())
	return cmd
}

func newWatchSubscribeCmd() *cobra.Command {
	var (
		repo    string
		branch  string
		target  string
		session string
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe a branch for merge detection",
		Long: `Create a merge subscription. fleet watch polls it and records a
merge event once the branch's tip becomes reachable from the target.
Git-live batches subscribe their pushed branches automatically; this
command covers branches pushed by other means.`,
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

			sub := &db.MergeSubscription{
				ID:           uuid.NewString(),
				SessionID:    session,
				RepoPath:     repo,
				BranchName:   branch,
				TargetBranch: target,
				Active:       true,
				CreatedAt:    db.Now(),
			}
			if err := store.SaveMergeSubscription(sub); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]any{
					"success":        true,
					"subscriptionId": sub.ID,
					"branch":         branch,
					"target":         target,
				})
			}
			fmt.Fprintln(out, green("watching %s for merge into %s", branch, target))
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", repoFlagDefault(), "repository root path")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to watch (required)")
	cmd.Flags().StringVar(&target, "target", "main", "target branch the merge lands on")
	cmd.Flags().StringVar(&session, "session", "", "session id to associate with the subscription")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}
