package db

import (
	"time"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// MergeSubscription binds a session to a branch whose merge into a target
// branch should be detected.
type MergeSubscription struct {
	ID           string
	SessionID    string
	RepoPath     string
	BranchName   string
	TargetBranch string
	Active       bool
	CreatedAt    time.Time
}

// MergeEvent records one detected merge.
type MergeEvent struct {
	ID               string
	RepoPath         string
	BranchName       string
	TargetBranch     string
	MergedAt         time.Time
	DetectedAt       time.Time
	SourceCommit     string
	NotificationSent bool
}

// SaveMergeSubscription inserts a subscription.
func (d *DB) SaveMergeSubscription(s *MergeSubscription) error {
	_, err := d.Exec(`
		INSERT INTO merge_subscriptions (id, session_id, repo_path, branch_name, target_branch, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SessionID, s.RepoPath, s.BranchName, s.TargetBranch,
		boolToInt(s.Active), FormatTime(s.CreatedAt))
	if err != nil {
		return fleeterr.ErrStore("save merge subscription", err)
	}
	return nil
}

// ListActiveMergeSubscriptions returns all active subscriptions.
func (d *DB) ListActiveMergeSubscriptions() ([]*MergeSubscription, error) {
	rows, err := d.Query(`
		SELECT id, session_id, repo_path, branch_name, target_branch, active, created_at
		FROM merge_subscriptions WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fleeterr.ErrStore("list merge subscriptions", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*MergeSubscription
	for rows.Next() {
		var (
			s         MergeSubscription
			active    int
			createdAt string
		)
		if err := rows.Scan(&s.ID, &s.SessionID, &s.RepoPath, &s.BranchName,
			&s.TargetBranch, &active, &createdAt); err != nil {
			return nil, fleeterr.ErrStore("scan merge subscription", err)
		}
		s.Active = active != 0
		if s.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fleeterr.ErrStore("parse subscription time", err)
		}
		subs = append(subs, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fleeterr.ErrStore("iterate merge subscriptions", err)
	}
	return subs, nil
}

// DeactivateMergeSubscription marks a satisfied subscription inactive.
func (d *DB) DeactivateMergeSubscription(id string) error {
	if _, err := d.Exec("UPDATE merge_subscriptions SET active = 0 WHERE id = ?", id); err != nil {
		return fleeterr.ErrStore("deactivate merge subscription", err)
	}
	return nil
}

// SaveMergeEvent records a detected merge.
func (d *DB) SaveMergeEvent(e *MergeEvent) error {
	_, err := d.Exec(`
		INSERT INTO merge_events (id, repo_path, branch_name, target_branch, merged_at, detected_at, source_commit, notification_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RepoPath, e.BranchName, e.TargetBranch,
		FormatTime(e.MergedAt), FormatTime(e.DetectedAt), e.SourceCommit,
		boolToInt(e.NotificationSent))
	if err != nil {
		return fleeterr.ErrStore("save merge event", err)
	}
	return nil
}

// ListMergeEvents returns events for a repo, newest first.
func (d *DB) ListMergeEvents(repoPath string) ([]*MergeEvent, error) {
	rows, err := d.Query(`
		SELECT id, repo_path, branch_name, target_branch, merged_at, detected_at, source_commit, notification_sent
		FROM merge_events WHERE repo_path = ? ORDER BY detected_at DESC`, repoPath)
	if err != nil {
		return nil, fleeterr.ErrStore("list merge events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*MergeEvent
	for rows.Next() {
		var (
			e                    MergeEvent
			mergedAt, detectedAt string
			sent                 int
		)
		if err := rows.Scan(&e.ID, &e.RepoPath, &e.BranchName, &e.TargetBranch,
			&mergedAt, &detectedAt, &e.SourceCommit, &sent); err != nil {
			return nil, fleeterr.ErrStore("scan merge event", err)
		}
		if e.MergedAt, err = ParseTime(mergedAt); err != nil {
			return nil, fleeterr.ErrStore("parse merge time", err)
		}
		if e.DetectedAt, err = ParseTime(detectedAt); err != nil {
			return nil, fleeterr.ErrStore("parse detection time", err)
		}
		e.NotificationSent = sent != 0
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fleeterr.ErrStore("iterate merge events", err)
	}
	return events, nil
}

// MarkNotificationSent flags a merge event as notified.
func (d *DB) MarkNotificationSent(eventID string) error {
	if _, err := d.Exec("UPDATE merge_events SET notification_sent = 1 WHERE id = ?", eventID); err != nil {
		return fleeterr.ErrStore("mark notification sent", err)
	}
	return nil
}
