package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codefleet/fleet/internal/batch"
)

// tasksFile is the on-disk shape of --tasks-file.
type tasksFile struct {
	Tasks []batch.Task `json:"tasks" yaml:"tasks"`
}

func loadTasksFile(path string) ([]batch.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	// YAML is a superset of JSON, one parser covers both.
	var tf tasksFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse tasks file %s: %w", path, err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("tasks file %s defines no tasks", path)
	}
	return tf.Tasks, nil
}

func newBatchCmd() *cobra.Command {
	opts := &execOptions{}
	var (
		tasksPath     string
		maxConcurrent int
		failFast      bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run many agent tasks in parallel sandboxes",
		Long: `Run a batch of tasks with bounded concurrency. Each task gets its
own session, worktree and sandbox; results land in the output directory
along with a summary-report.md.

Tasks file (YAML or JSON):
  tasks:
    - id: fix-auth
      description: Fix the login bug
      prompt: |
        The login handler returns 500 for expired tokens...
    - id: add-tests
      prompt: Add unit tests for the session store`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tasks, err := loadTasksFile(tasksPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if maxConcurrent <= 0 {
				maxConcurrent = cfg.MaxConcurrent
			}

			bOpts := opts.build(cfg, maxConcurrent, failFast)
			if !jsonOut && !quiet {
				bOpts.OnProgress = func(p batch.Progress) {
					line := fmt.Sprintf("[%d/%d] %s: %s", p.CompletedTasks, p.TotalTasks, p.TaskID, p.Status)
					switch p.Status {
					case batch.StatusCompleted:
						line = green("%s", line)
					case batch.StatusFailed:
						line = red("%s (%s)", line, p.Message)
					case batch.StatusCancelled:
						line = yellow("%s", line)
					}
					fmt.Fprintln(cmd.ErrOrStderr(), line)
				}
			}

			sum, err := newBatchExecutor(store, cfg).Run(cmd.Context(), tasks, bOpts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]any{"success": sum.Success, "summary": sum})
			}

			fmt.Fprintf(out, "\nbatch %s finished in %s\n", sum.BatchID, sum.TotalDuration.Round(time.Second))
			fmt.Fprintf(out, "  completed: %s  failed: %s  cancelled: %s\n",
				green("%d", sum.SuccessCount), red("%d", sum.FailureCount), yellow("%d", sum.CancelledCount))
			fmt.Fprintf(out, "  files changed: %d   estimated cost: $%.2f   time saved: %s\n",
				sum.TotalFilesChanged, sum.TotalCost, sum.TimeSaved.Round(time.Second))
			if sum.ReportPath != "" {
				fmt.Fprintf(out, "  report: %s\n", sum.ReportPath)
			}
			if !sum.Success {
				return fmt.Errorf("%d task(s) did not complete", sum.FailureCount+sum.CancelledCount)
			}
			return nil
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&tasksPath, "tasks-file", "", "YAML or JSON file defining the tasks (required)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "concurrent task limit (default from config)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "cancel remaining tasks after the first failure")
	_ = cmd.MarkFlagRequired("tasks-file")
	return cmd
}
