// Package batch fans M agent tasks out over bounded concurrency. Each
// task gets its own session, worktree and sandbox; results aggregate
// into a summary report.
package batch

import (
	"fmt"
	"time"
)

// DefaultMaxConcurrent bounds how many tasks run at once.
const DefaultMaxConcurrent = 3

// ReportFileName is the summary written into the output directory.
const ReportFileName = "summary-report.md"

// Task is one unit of agent work.
type Task struct {
	ID             string `json:"id" yaml:"id"`
	Description    string `json:"description" yaml:"description"`
	Prompt         string `json:"prompt" yaml:"prompt"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`
}

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TaskResult is the per-task outcome.
type TaskResult struct {
	TaskID       string        `json:"taskId"`
	Description  string        `json:"description"`
	SessionID    string        `json:"sessionId,omitempty"`
	SandboxID    string        `json:"sandboxId,omitempty"`
	WorktreePath string        `json:"worktreePath,omitempty"`
	Status       Status        `json:"status"`
	StartTime    time.Time     `json:"startTime,omitzero"`
	EndTime      time.Time     `json:"endTime,omitzero"`
	Duration     time.Duration `json:"duration"`
	FilesChanged int           `json:"filesChanged"`
	OutputPath   string        `json:"outputPath,omitempty"`
	ExitCode     int           `json:"exitCode"`
	Error        string        `json:"error,omitempty"`
	CostEstimate float64       `json:"costEstimate,omitempty"`
	PullRequest  string        `json:"pullRequest,omitempty"`
}

// Progress is delivered serially to the progress callback.
type Progress struct {
	TaskID         string `json:"taskId"`
	Status         Status `json:"status"`
	Message        string `json:"message"`
	CompletedTasks int    `json:"completedTasks"`
	TotalTasks     int    `json:"totalTasks"`
}

// ProgressFunc receives progress updates. Calls never overlap.
type ProgressFunc func(Progress)

// Summary aggregates a whole batch.
type Summary struct {
	BatchID            string        `json:"batchId"`
	Success            bool          `json:"success"`
	SuccessCount       int           `json:"successCount"`
	FailureCount       int           `json:"failureCount"`
	CancelledCount     int           `json:"cancelledCount"`
	TotalDuration      time.Duration `json:"totalDuration"`
	SequentialDuration time.Duration `json:"sequentialDuration"`
	TimeSaved          time.Duration `json:"timeSaved"`
	TotalFilesChanged  int           `json:"totalFilesChanged"`
	TotalCost          float64       `json:"totalCost"`
	ReportPath         string        `json:"reportPath,omitempty"`
	Results            []*TaskResult `json:"results"`
}

func normalizeTasks(tasks []Task) ([]Task, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks given")
	}
	seen := map[string]bool{}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Prompt == "" {
			return nil, fmt.Errorf("task %s has no prompt", t.ID)
		}
		if t.Description == "" {
			t.Description = t.Prompt
		}
		out[i] = t
	}
	return out, nil
}
