// Package mergewatch polls git history to detect when a subscribed
// branch has been merged into its target.
package mergewatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/codefleet/fleet/internal/db"
	"github.com/codefleet/fleet/internal/git"
)

// DefaultInterval between polls. MinInterval is the floor; smaller
// configured values are clamped up to it.
const (
	DefaultInterval = 60 * time.Second
	MinInterval     = 5 * time.Second
)

// RunResult summarizes one poll over all active subscriptions.
type RunResult struct {
	SubscriptionsChecked int              `json:"subscriptionsChecked"`
	NewMerges            []*db.MergeEvent `json:"newMerges"`
	NotificationsSent    int              `json:"notificationsSent"`
	Errors               []string         `json:"errors,omitempty"`
}

// Notifier delivers merge events. Delivery failures leave
// notification_sent unset so the next poll retries.
type Notifier interface {
	NotifyMerge(event *db.MergeEvent) error
}

// LogNotifier just logs detected merges.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) NotifyMerge(e *db.MergeEvent) error {
	n.Log.Info("branch merged",
		"repo", e.RepoPath,
		"branch", e.BranchName,
		"target", e.TargetBranch,
		"commit", e.SourceCommit)
	return nil
}

// Options tune the watcher.
type Options struct {
	Interval time.Duration
	Runner   git.Runner
	Notifier Notifier
	Logger   *slog.Logger
}

// Watcher polls active merge subscriptions.
type Watcher struct {
	store    *db.DB
	interval time.Duration
	runner   git.Runner
	notifier Notifier
	log      *slog.Logger
}

// New builds a watcher over the store.
func New(store *db.DB, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < MinInterval {
		opts.Interval = MinInterval
	}
	if opts.Runner == nil {
		opts.Runner = git.ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Log: opts.Logger}
	}
	return &Watcher{
		store:    store,
		interval: opts.Interval,
		runner:   opts.Runner,
		notifier: opts.Notifier,
		log:      opts.Logger,
	}
}

// Interval returns the effective poll interval.
func (w *Watcher) Interval() time.Duration { return w.interval }

// RunOnce polls every active subscription exactly once. Per-subscription
// failures are collected, not fatal.
func (w *Watcher) RunOnce(ctx context.Context) (*RunResult, error) {
	subs, err := w.store.ListActiveMergeSubscriptions()
	if err != nil {
		return nil, err
	}

	res := &RunResult{}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.SubscriptionsChecked++

		merged, commit, err := w.isMerged(sub)
		if err != nil {
			res.Errors = append(res.Errors, sub.BranchName+": "+err.Error())
			w.log.Warn("merge check failed",
				"branch", sub.BranchName, "target", sub.TargetBranch, "error", err)
			continue
		}
		if !merged {
			continue
		}

		event := &db.MergeEvent{
			ID:           uuid.NewString(),
			RepoPath:     sub.RepoPath,
			BranchName:   sub.BranchName,
			TargetBranch: sub.TargetBranch,
			MergedAt:     db.Now(),
			DetectedAt:   db.Now(),
			SourceCommit: commit,
		}
		if err := w.store.SaveMergeEvent(event); err != nil {
			res.Errors = append(res.Errors, sub.BranchName+": "+err.Error())
			continue
		}
		if err := w.store.DeactivateMergeSubscription(sub.ID); err != nil {
			res.Errors = append(res.Errors, sub.BranchName+": "+err.Error())
			continue
		}
		res.NewMerges = append(res.NewMerges, event)

		if err := w.notifier.NotifyMerge(event); err != nil {
			w.log.Warn("merge notification failed", "branch", sub.BranchName, "error", err)
			continue
		}
		if err := w.store.MarkNotificationSent(event.ID); err != nil {
			w.log.Warn("marking notification failed", "event", event.ID, "error", err)
			continue
		}
		event.NotificationSent = true
		res.NotificationsSent++
	}
	return res, nil
}

// isMerged resolves the source branch tip and asks git whether the
// target branch contains it.
func (w *Watcher) isMerged(sub *db.MergeSubscription) (bool, string, error) {
	tip, err := w.runner.Run(sub.RepoPath, "git", "rev-parse", sub.BranchName)
	if err != nil {
		return false, "", err
	}
	tip = strings.TrimSpace(tip)

	// merge-base --is-ancestor exits 0 when the tip is reachable from
	// the target, 1 when not; both are valid answers.
	_, err = w.runner.Run(sub.RepoPath, "git", "merge-base", "--is-ancestor", tip, sub.TargetBranch)
	if err == nil {
		return true, tip, nil
	}
	if isExitOne(err) {
		return false, "", nil
	}
	return false, "", err
}

func isExitOne(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() == 1
	}
	return strings.Contains(err.Error(), "exit status 1")
}

// Watch polls until the context is cancelled or a termination signal
// arrives.
func (w *Watcher) Watch(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("merge watcher started", "interval", w.interval)
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("merge poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.log.Info("merge watcher stopping")
			return nil
		case <-ticker.C:
		}
	}
}
