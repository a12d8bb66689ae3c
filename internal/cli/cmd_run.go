package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefleet/fleet/internal/agentexec"
	"github.com/codefleet/fleet/internal/batch"
	"github.com/codefleet/fleet/internal/config"
	"github.com/codefleet/fleet/internal/db"
	"github.com/codefleet/fleet/internal/filesync"
	"github.com/codefleet/fleet/internal/git"
	"github.com/codefleet/fleet/internal/sandbox"
	"github.com/codefleet/fleet/internal/sandbox/e2b"
)

// newBatchExecutor wires the full execution stack over the store.
func newBatchExecutor(store *db.DB, cfg *config.Config) *batch.Executor {
	log := slog.Default()
	provider := e2b.NewClient(os.Getenv(sandbox.DefaultAPIKeyEnv), "")
	sandboxes := sandbox.NewManager(provider, sandbox.Options{
		Template:      cfg.SandboxTemplate,
		CostPerMinute: cfg.CostPerMinute,
		Logger:        log,
	})
	syncer := filesync.NewSyncer(log)
	driver := agentexec.NewDriver(sandboxes, git.ExecRunner{}, log)
	return batch.NewExecutor(store, newCoordinator(store, cfg), sandboxes, syncer, driver, git.ExecRunner{}, log)
}

// execOptions holds the flags shared by run and batch.
type execOptions struct {
	repo          string
	outputDir     string
	authMethod    string
	gitUser       string
	gitEmail      string
	timeoutMin    int
	budgetPerTask float64
	gitLive       bool
	targetBranch  string
}

func (o *execOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.repo, "repo", repoFlagDefault(), "repository root path")
	cmd.Flags().StringVar(&o.outputDir, "output-dir", ".fleet-output", "directory for logs and the summary report")
	cmd.Flags().StringVar(&o.authMethod, "auth", string(agentexec.AuthAPIKey), "agent auth: api-key or oauth")
	cmd.Flags().StringVar(&o.gitUser, "git-user", "", "commit author name override")
	cmd.Flags().StringVar(&o.gitEmail, "git-email", "", "commit author email override")
	cmd.Flags().IntVar(&o.timeoutMin, "timeout", 30, "per-task timeout in minutes")
	cmd.Flags().Float64Var(&o.budgetPerTask, "budget-per-task", 0, "soft budget cap per task in USD (0 disables)")
	cmd.Flags().BoolVar(&o.gitLive, "git-live", false, "push each task's work and open a pull request")
	cmd.Flags().StringVar(&o.targetBranch, "target-branch", "main", "pull request target branch (git-live mode)")
}

func (o *execOptions) build(cfg *config.Config, maxConcurrent int, failFast bool) batch.Options {
	budget := o.budgetPerTask
	if budget == 0 {
		budget = cfg.Budget.PerSessionDefault
	}
	return batch.Options{
		RepoPath:         o.repo,
		OutputDir:        o.outputDir,
		MaxConcurrent:    maxConcurrent,
		FailFast:         failFast,
		AuthMethod:       agentexec.AuthMethod(o.authMethod),
		APIKey:           os.Getenv("ANTHROPIC_API_KEY"),
		OAuthCredentials: os.Getenv("CLAUDE_CODE_OAUTH_CREDENTIALS"),
		GitUser:          o.gitUser,
		GitEmail:         o.gitEmail,
		TimeoutMinutes:   o.timeoutMin,
		GitLive:          o.gitLive,
		TargetBranch:     o.targetBranch,
		BudgetPerTask:    budget,
	}
}

func newRunCmd() *cobra.Command {
	opts := &execOptions{}

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one agent task in a remote sandbox",
		Long: `Run a single agent task: register a session, create a sandbox,
upload the worktree, execute the agent, and pull the changed files back.`,
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

			tasks := []batch.Task{{ID: "task-1", Prompt: args[0], Description: args[0]}}
			sum, err := newBatchExecutor(store, cfg).Run(cmd.Context(), tasks, opts.build(cfg, 1, false))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			res := sum.Results[0]
			if jsonOut {
				return printJSON(out, map[string]any{
					"success": sum.Success,
					"result":  res,
				})
			}
			if res.Status == batch.StatusCompleted {
				fmt.Fprintln(out, green("task completed in %s", res.Duration.Round(time.Second)))
				fmt.Fprintf(out, "  files changed: %d\n", res.FilesChanged)
				if res.PullRequest != "" {
					fmt.Fprintf(out, "  pull request: %s\n", res.PullRequest)
				}
				if res.OutputPath != "" {
					fmt.Fprintf(out, "  log: %s\n", res.OutputPath)
				}
				return nil
			}
			fmt.Fprintln(out, red("task %s: %s", res.Status, res.Error))
			return fmt.Errorf("task did not complete")
		},
	}

	opts.register(cmd)
	return cmd
}
