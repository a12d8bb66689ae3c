package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/codefleet/fleet/internal/agentexec"
	"github.com/codefleet/fleet/internal/coordinator"
	"github.com/codefleet/fleet/internal/db"
	fleeterr "github.com/codefleet/fleet/internal/errors"
	"github.com/codefleet/fleet/internal/filesync"
	"github.com/codefleet/fleet/internal/git"
	"github.com/codefleet/fleet/internal/hosting"
	_ "github.com/codefleet/fleet/internal/hosting/github" // register provider
	_ "github.com/codefleet/fleet/internal/hosting/gitlab" // register provider
	"github.com/codefleet/fleet/internal/sandbox"
	"github.com/codefleet/fleet/internal/util"
)

// DefaultRemoteDir is where task workspaces land in the sandbox.
const DefaultRemoteDir = "/workspace"

// Options configure one batch invocation.
type Options struct {
	RepoPath      string
	OutputDir     string
	MaxConcurrent int
	FailFast      bool

	// Agent execution.
	AuthMethod       agentexec.AuthMethod
	APIKey           string
	OAuthCredentials string
	GitUser          string
	GitEmail         string
	TimeoutMinutes   int // default per task, overridable per Task

	// Git-live mode pushes each task's work and opens a PR instead of
	// downloading changed files.
	GitLive       bool
	TargetBranch  string
	Hosting       hosting.Config
	BudgetPerTask float64

	RemoteDir  string
	OnProgress ProgressFunc
	Logger     *slog.Logger
}

// Executor wires the coordinator, sandbox manager, file sync and
// execution driver into the per-task pipeline.
type Executor struct {
	store     *db.DB
	coord     *coordinator.Coordinator
	sandboxes *sandbox.Manager
	syncer    *filesync.Syncer
	driver    *agentexec.Driver
	runner    git.Runner
	log       *slog.Logger

	// Test hooks.
	pipeline    func(ctx context.Context, task Task, opts Options, res *TaskResult) error
	newProvider func(remoteURL string, cfg hosting.Config) (hosting.Provider, error)
	pid         int
}

// NewExecutor builds an executor over already-constructed components.
func NewExecutor(store *db.DB, coord *coordinator.Coordinator, sandboxes *sandbox.Manager, syncer *filesync.Syncer, driver *agentexec.Driver, runner git.Runner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:       store,
		coord:       coord,
		sandboxes:   sandboxes,
		syncer:      syncer,
		driver:      driver,
		runner:      runner,
		log:         logger,
		newProvider: hosting.NewProvider,
		pid:         os.Getpid(),
	}
	e.pipeline = e.runTask
	return e
}

// Run executes the batch and writes the summary report. Task failures
// do not produce an error; they are reflected in the summary. The
// returned error covers orchestration failures only, and every sandbox
// the batch created is terminated before it propagates.
func (e *Executor) Run(ctx context.Context, tasks []Task, opts Options) (sum *Summary, err error) {
	tasks, err = normalizeTasks(tasks)
	if err != nil {
		return nil, fleeterr.ErrValidation("invalid task list", err.Error())
	}
	if opts.RepoPath == "" {
		return nil, fleeterr.ErrValidation("repoPath is required", "pass the repository root path")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = DefaultRemoteDir
	}
	if opts.GitLive && opts.TargetBranch == "" {
		opts.TargetBranch = "main"
	}

	defer func() {
		if r := recover(); r != nil {
			e.sandboxes.CleanupAll(context.WithoutCancel(ctx))
			panic(r)
		}
		if err != nil {
			e.sandboxes.CleanupAll(context.WithoutCancel(ctx))
		}
	}()

	batchID := uuid.NewString()
	start := time.Now()
	e.log.Info("batch starting",
		"batch_id", batchID,
		"tasks", len(tasks),
		"max_concurrent", opts.MaxConcurrent,
		"fail_fast", opts.FailFast)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*TaskResult, len(tasks))
	for i, t := range tasks {
		results[i] = &TaskResult{TaskID: t.ID, Description: t.Description, Status: StatusPending}
	}

	var (
		mu        sync.Mutex
		completed int
		wg        sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrent))

	emit := func(res *TaskResult, msg string) {
		if opts.OnProgress == nil {
			return
		}
		opts.OnProgress(Progress{
			TaskID:         res.TaskID,
			Status:         res.Status,
			Message:        msg,
			CompletedTasks: completed,
			TotalTasks:     len(tasks),
		})
	}

	finish := func(res *TaskResult, status Status, msg string) {
		mu.Lock()
		defer mu.Unlock()
		res.Status = status
		if !res.StartTime.IsZero() {
			res.EndTime = time.Now()
			res.Duration = res.EndTime.Sub(res.StartTime)
		}
		completed++
		emit(res, msg)
		if status == StatusFailed && opts.FailFast {
			cancel()
		}
	}

	for i := range tasks {
		wg.Add(1)
		go func(task Task, res *TaskResult) {
			defer wg.Done()

			if err := sem.Acquire(runCtx, 1); err != nil {
				res.Error = fleeterr.ErrCancelled().Error()
				finish(res, StatusCancelled, "cancelled before start")
				return
			}
			defer sem.Release(1)
			if runCtx.Err() != nil {
				res.Error = fleeterr.ErrCancelled().Error()
				finish(res, StatusCancelled, "cancelled before start")
				return
			}

			mu.Lock()
			res.Status = StatusRunning
			res.StartTime = time.Now()
			emit(res, "starting")
			mu.Unlock()

			err := e.pipeline(runCtx, task, opts, res)
			switch {
			case err == nil:
				finish(res, StatusCompleted, "completed")
			case runCtx.Err() != nil:
				res.Error = fleeterr.ErrCancelled().Error()
				finish(res, StatusCancelled, "cancelled while running")
			default:
				res.Error = err.Error()
				finish(res, StatusFailed, err.Error())
			}
		}(tasks[i], results[i])
	}
	wg.Wait()

	sum = e.summarize(batchID, results, time.Since(start))
	if opts.OutputDir != "" {
		reportPath := filepath.Join(opts.OutputDir, ReportFileName)
		if werr := util.AtomicWriteFile(reportPath, []byte(renderReport(sum, start)), 0o644); werr != nil {
			return nil, fmt.Errorf("write summary report: %w", werr)
		}
		sum.ReportPath = reportPath
	}

	e.log.Info("batch finished",
		"batch_id", batchID,
		"succeeded", sum.SuccessCount,
		"failed", sum.FailureCount,
		"cancelled", sum.CancelledCount,
		"duration", sum.TotalDuration.Round(time.Millisecond))
	return sum, nil
}

func (e *Executor) summarize(batchID string, results []*TaskResult, total time.Duration) *Summary {
	sum := &Summary{
		BatchID:       batchID,
		TotalDuration: total,
		Results:       results,
	}
	for _, r := range results {
		sum.SequentialDuration += r.Duration
		sum.TotalFilesChanged += r.FilesChanged
		sum.TotalCost += r.CostEstimate
		switch r.Status {
		case StatusCompleted:
			sum.SuccessCount++
		case StatusCancelled:
			sum.CancelledCount++
		default:
			sum.FailureCount++
		}
	}
	if sum.SequentialDuration > sum.TotalDuration {
		sum.TimeSaved = sum.SequentialDuration - sum.TotalDuration
	}
	sum.Success = sum.FailureCount == 0 && sum.CancelledCount == 0
	return sum
}

// runTask is the per-task pipeline: register, create sandbox, upload,
// run the agent, retrieve results, tear down. Teardown always runs,
// even when the batch context is already cancelled.
func (e *Executor) runTask(ctx context.Context, task Task, opts Options, res *TaskResult) (err error) {
	reg, err := e.coord.Register(opts.RepoPath, e.pid)
	if err != nil {
		return err
	}
	res.SessionID = reg.SessionID
	res.WorktreePath = reg.WorktreePath
	defer func() {
		if _, rerr := e.coord.ReleaseSession(reg.SessionID); rerr != nil {
			e.log.Warn("session release failed", "task", task.ID, "error", rerr)
		}
	}()

	created, err := e.sandboxes.Create(ctx, reg.SessionID)
	if err != nil {
		return err
	}
	res.SandboxID = created.SandboxID

	var execRes *agentexec.Result
	defer func() {
		cost := e.sandboxes.ElapsedCost(created.SandboxID)
		if cost > 0 {
			res.CostEstimate = cost
			if serr := e.store.RecordSpend(cost, db.Now()); serr != nil {
				e.log.Warn("spend recording failed", "task", task.ID, "error", serr)
			}
			// Per-minute billing: the elapsed estimate is also the bill.
			if serr := e.store.UpdateSessionCosts(reg.SessionID, cost, cost); serr != nil {
				e.log.Warn("session cost update failed", "task", task.ID, "error", serr)
			}
		}
		status, tail := sessionOutcome(err, execRes)
		if serr := e.store.UpdateSessionStatus(reg.SessionID, status, tail); serr != nil {
			e.log.Warn("session status update failed", "task", task.ID, "error", serr)
		}
		e.sandboxes.Terminate(context.WithoutCancel(ctx), created.SandboxID)
	}()

	if serr := e.store.UpdateSessionStatus(reg.SessionID, db.StatusRunning, ""); serr != nil {
		e.log.Warn("session status update failed", "task", task.ID, "error", serr)
	}

	if opts.BudgetPerTask > 0 {
		if err := e.sandboxes.SetBudgetLimit(created.SandboxID, opts.BudgetPerTask); err != nil {
			e.log.Warn("budget limit not set", "task", task.ID, "error", err)
		}
	}

	tarball, err := e.syncer.CreateTarball(reg.WorktreePath)
	if err != nil {
		return err
	}
	defer os.Remove(tarball.Path)

	if _, err := e.syncer.Upload(ctx, tarball.Path, created.Sandbox, opts.RemoteDir); err != nil {
		return err
	}
	if verify, err := e.syncer.VerifyUpload(ctx, created.Sandbox, opts.RemoteDir, tarball); err != nil || !verify.Verified {
		// Verification mismatch is advisory; the extract already succeeded.
		e.log.Warn("upload verification inconclusive", "task", task.ID, "error", err)
	}

	timeout := task.TimeoutMinutes
	if timeout <= 0 {
		timeout = opts.TimeoutMinutes
	}
	runOpts := agentexec.RunOptions{
		WorkingDir:       opts.RemoteDir,
		TimeoutMinutes:   timeout,
		CaptureFullLog:   opts.OutputDir != "",
		AuthMethod:       opts.AuthMethod,
		APIKey:           opts.APIKey,
		OAuthCredentials: opts.OAuthCredentials,
		GitUser:          opts.GitUser,
		GitEmail:         opts.GitEmail,
		LocalRepoPath:    reg.WorktreePath,
	}
	if opts.OutputDir != "" {
		runOpts.LocalLogPath = filepath.Join(opts.OutputDir, task.ID+".log")
		res.OutputPath = runOpts.LocalLogPath
	}

	execRes, err = e.driver.Run(ctx, created.Sandbox, task.Prompt, runOpts)
	if execRes != nil {
		res.ExitCode = execRes.ExitCode
	}
	if err != nil {
		return err
	}
	if !execRes.Success {
		if execRes.Err != nil {
			return execRes.Err
		}
		return fleeterr.ErrExecutionFailed(fmt.Sprintf("agent exited %d", execRes.ExitCode), nil)
	}

	if opts.GitLive {
		prURL, err := e.pushAndOpenPR(ctx, task, opts, created.Sandbox, reg.WorktreePath)
		if err != nil {
			return err
		}
		res.PullRequest = prURL
		e.subscribeMerge(task, opts, reg.SessionID)
		return nil
	}

	dl, err := e.syncer.DownloadChangedFiles(ctx, created.Sandbox, opts.RemoteDir, reg.WorktreePath)
	if err != nil {
		return err
	}
	res.FilesChanged = dl.FilesDownloaded
	return nil
}

// pushAndOpenPR commits the sandbox workspace, pushes it to the origin
// remote on a fresh branch and opens a pull request against the target.
func (e *Executor) pushAndOpenPR(ctx context.Context, task Task, opts Options, sb sandbox.Sandbox, worktreePath string) (string, error) {
	remoteURL, err := e.runner.Run(worktreePath, "git", "remote", "get-url", "origin")
	if err != nil {
		return "", fleeterr.ErrGitLiveFailed(fmt.Errorf("resolve origin remote: %w", err))
	}
	remoteURL = strings.TrimSpace(remoteURL)

	branch := taskBranch(task)
	script := fmt.Sprintf(
		"cd %s && git checkout -B %s && git add -A && git commit -m %s --allow-empty && git push %s %s",
		filesync.ShellQuote(opts.RemoteDir),
		filesync.ShellQuote(branch),
		filesync.ShellQuote(task.Description),
		filesync.ShellQuote(remoteURL),
		filesync.ShellQuote("HEAD:refs/heads/"+branch),
	)
	out, err := sb.RunCommand(ctx, script, 5*time.Minute)
	if err != nil {
		return "", fleeterr.ErrGitLiveFailed(err)
	}
	if out.ExitCode != 0 {
		return "", fleeterr.ErrGitLiveFailed(fmt.Errorf("push exited %d: %s", out.ExitCode, out.Stderr))
	}

	provider, err := e.newProvider(remoteURL, opts.Hosting)
	if err != nil {
		return "", fleeterr.ErrGitLiveFailed(err)
	}
	pr, err := provider.CreatePullRequest(ctx, hosting.PullRequestOptions{
		Title: task.Description,
		Body:  fmt.Sprintf("Automated change for task %s.\n\n%s", task.ID, task.Prompt),
		Head:  branch,
		Base:  opts.TargetBranch,
	})
	if err != nil {
		return "", fleeterr.ErrGitLiveFailed(err)
	}
	e.log.Info("pull request opened", "task", task.ID, "url", pr.URL)
	return pr.URL, nil
}

// sessionOutcome maps a finished task onto the session lifecycle status
// and output tail stored with the session row.
func sessionOutcome(err error, execRes *agentexec.Result) (db.SessionStatus, string) {
	var tail string
	if execRes != nil {
		tail = execRes.Output
	}
	switch {
	case err == nil:
		return db.StatusCompleted, tail
	case execRes != nil && execRes.State == agentexec.StateTimeout:
		return db.StatusTimeout, tail
	default:
		return db.StatusFailed, tail
	}
}

// taskBranch is the branch a task's work is pushed to in git-live mode.
func taskBranch(task Task) string {
	return "fleet/" + task.ID
}

// subscribeMerge registers the pushed branch with the merge watcher so
// `fleet watch` reports when the pull request lands. Best-effort: a
// subscription failure never fails the task.
func (e *Executor) subscribeMerge(task Task, opts Options, sessionID string) {
	sub := &db.MergeSubscription{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		RepoPath:     opts.RepoPath,
		BranchName:   taskBranch(task),
		TargetBranch: opts.TargetBranch,
		Active:       true,
		CreatedAt:    db.Now(),
	}
	if err := e.store.SaveMergeSubscription(sub); err != nil {
		e.log.Warn("merge subscription failed", "task", task.ID, "error", err)
		return
	}
	e.log.Info("merge subscription created",
		"task", task.ID, "branch", sub.BranchName, "target", sub.TargetBranch)
}
