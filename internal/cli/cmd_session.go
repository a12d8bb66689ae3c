package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefleet/fleet/internal/config"
	"github.com/codefleet/fleet/internal/coordinator"
	"github.com/codefleet/fleet/internal/db"
)

func newCoordinator(store *db.DB, cfg *config.Config) *coordinator.Coordinator {
	return coordinator.New(store, coordinator.Options{
		StaleThreshold: time.Duration(cfg.StaleThresholdMinutes) * time.Minute,
		WorktreePrefix: cfg.WorktreePrefix,
		AutoCleanup:    true,
	})
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Register, refresh and release agent sessions",
	}
	cmd.AddCommand(newSessionRegisterCmd())
	cmd.AddCommand(newSessionHeartbeatCmd())
	cmd.AddCommand(newSessionReleaseCmd())
	cmd.AddCommand(newSessionListCmd())
	return cmd
}

func repoFlagDefault() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func newSessionRegisterCmd() *cobra.Command {
	var repo string
	var pid int

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this process as a session on a repository",
		Long: `Register a session. The first live session on a repository works in
the main checkout; later sessions get isolated worktrees.`,
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

			res, err := newCoordinator(store, cfg).Register(repo, pid)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, jsonEnvelope(res))
			}
			where := "worktree " + res.WorktreePath
			if res.IsMainRepo {
				where = "main checkout"
			}
			fmt.Fprintln(out, green("registered session %s", res.SessionID))
			fmt.Fprintf(out, "  working in: %s\n", where)
			fmt.Fprintf(out, "  parallel sessions: %d\n", res.ParallelSessions)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", repoFlagDefault(), "repository root path")
	cmd.Flags().IntVar(&pid, "pid", os.Getpid(), "owning process id")
	return cmd
}

func newSessionHeartbeatCmd() *cobra.Command {
	var pid int

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh the heartbeat for a session",
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

			ok := newCoordinator(store, cfg).Heartbeat(pid)
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]any{"success": true, "refreshed": ok})
			}
			if ok {
				fmt.Fprintln(out, green("heartbeat refreshed"))
			} else {
				fmt.Fprintln(out, yellow("no session found for pid %d", pid))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&pid, "pid", os.Getpid(), "owning process id")
	return cmd
}

func newSessionReleaseCmd() *cobra.Command {
	var pid int

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a session, its claims and its worktree",
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

			res, err := newCoordinator(store, cfg).Release(pid)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, jsonEnvelope(res))
			}
			if !res.Released {
				fmt.Fprintln(out, yellow("no session found for pid %d", pid))
				return nil
			}
			fmt.Fprintln(out, green("session released"))
			if res.WorktreeRemoved {
				fmt.Fprintln(out, "  worktree removed")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&pid, "pid", os.Getpid(), "owning process id")
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
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

			sessions, err := store.ListSessions(repo)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, jsonEnvelope(sessions))
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			for _, s := range sessions {
				kind := "worktree"
				if s.IsMainRepo {
					kind = "main"
				}
				fmt.Fprintf(out, "%s  pid=%d  %s  %s  last heartbeat %s\n",
					s.ID, s.PID, kind, s.WorktreePath,
					s.LastHeartbeat.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "filter by repository root path")
	return cmd
}
