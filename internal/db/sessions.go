package db

import (
	"database/sql"
	"time"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// ExecutionMode distinguishes local agent runs from remote sandbox runs.
type ExecutionMode string

const (
	ModeLocal ExecutionMode = "local"
	ModeE2B   ExecutionMode = "e2b"
)

// SessionStatus tracks a remote session's lifecycle.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "INITIALIZING"
	StatusRunning      SessionStatus = "RUNNING"
	StatusCompleted    SessionStatus = "COMPLETED"
	StatusFailed       SessionStatus = "FAILED"
	StatusTimeout      SessionStatus = "TIMEOUT"
)

// Session represents a registered agent process bound to a repo and a
// worktree. WorktreeName is nil for main-repo sessions.
type Session struct {
	ID            string
	PID           int
	RepoPath      string
	WorktreePath  string
	WorktreeName  *string
	IsMainRepo    bool
	Mode          ExecutionMode
	CreatedAt     time.Time
	LastHeartbeat time.Time

	// Remote execution metadata, populated when Mode == ModeE2B.
	SandboxID      string
	Prompt         string
	Status         SessionStatus
	OutputLog      string
	BudgetLimit    float64
	EstimatedCost  float64
	ActualCost     float64
	TemplateName   string
	GitUser        string
	GitEmail       string
	SSHKeyProvided bool
}

const sessionColumns = `id, pid, repo_path, worktree_path, worktree_name, is_main_repo, mode,
	created_at, last_heartbeat, sandbox_id, prompt, status, output_log,
	budget_limit, estimated_cost, actual_cost, template_name, git_user, git_email, ssh_key_provided`

// SaveSession inserts or replaces a session row.
func (d *DB) SaveSession(s *Session) error {
	if s.Mode == "" {
		s.Mode = ModeLocal
	}
	_, err := d.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			pid = excluded.pid,
			repo_path = excluded.repo_path,
			worktree_path = excluded.worktree_path,
			worktree_name = excluded.worktree_name,
			is_main_repo = excluded.is_main_repo,
			mode = excluded.mode,
			last_heartbeat = excluded.last_heartbeat,
			sandbox_id = excluded.sandbox_id,
			prompt = excluded.prompt,
			status = excluded.status,
			output_log = excluded.output_log,
			budget_limit = excluded.budget_limit,
			estimated_cost = excluded.estimated_cost,
			actual_cost = excluded.actual_cost,
			template_name = excluded.template_name,
			git_user = excluded.git_user,
			git_email = excluded.git_email,
			ssh_key_provided = excluded.ssh_key_provided`,
		s.ID, s.PID, s.RepoPath, s.WorktreePath, s.WorktreeName, boolToInt(s.IsMainRepo),
		string(s.Mode), FormatTime(s.CreatedAt), FormatTime(s.LastHeartbeat),
		nullStr(s.SandboxID), nullStr(s.Prompt), nullStr(string(s.Status)), nullStr(s.OutputLog),
		s.BudgetLimit, s.EstimatedCost, s.ActualCost,
		nullStr(s.TemplateName), nullStr(s.GitUser), nullStr(s.GitEmail), boolToInt(s.SSHKeyProvided))
	if err != nil {
		return fleeterr.ErrStore("save session", err)
	}
	return nil
}

// GetSession looks up a session by id. Returns (nil, nil) when absent.
func (d *DB) GetSession(id string) (*Session, error) {
	row := d.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// GetSessionByPID looks up a session by its owning process id.
// Returns (nil, nil) when absent.
func (d *DB) GetSessionByPID(pid int) (*Session, error) {
	row := d.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE pid = ?", pid)
	return scanSession(row)
}

// ListSessions returns all sessions, optionally filtered by repo path.
func (d *DB) ListSessions(repoPath string) ([]*Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions"
	var args []any
	if repoPath != "" {
		query += " WHERE repo_path = ?"
		args = append(args, repoPath)
	}
	query += " ORDER BY created_at"

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fleeterr.ErrStore("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fleeterr.ErrStore("iterate sessions", err)
	}
	return sessions, nil
}

// DeleteSession removes a session row.
func (d *DB) DeleteSession(id string) error {
	if _, err := d.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fleeterr.ErrStore("delete session", err)
	}
	return nil
}

// TouchHeartbeat updates the session's last_heartbeat for the given pid.
// Returns false when no session owns that pid.
func (d *DB) TouchHeartbeat(pid int) (bool, error) {
	res, err := d.Exec("UPDATE sessions SET last_heartbeat = ? WHERE pid = ?",
		FormatTime(Now()), pid)
	if err != nil {
		return false, fleeterr.ErrStore("update heartbeat", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateSessionStatus sets the remote-session status and output log tail.
func (d *DB) UpdateSessionStatus(id string, status SessionStatus, outputLog string) error {
	_, err := d.Exec("UPDATE sessions SET status = ?, output_log = ? WHERE id = ?",
		string(status), outputLog, id)
	if err != nil {
		return fleeterr.ErrStore("update session status", err)
	}
	return nil
}

// UpdateSessionCosts records estimated and actual cost for a session.
func (d *DB) UpdateSessionCosts(id string, estimated, actual float64) error {
	_, err := d.Exec("UPDATE sessions SET estimated_cost = ?, actual_cost = ? WHERE id = ?",
		estimated, actual, id)
	if err != nil {
		return fleeterr.ErrStore("update session costs", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*Session, error) {
	s, err := scanSessionFrom(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fleeterr.ErrStore("scan session", err)
	}
	return s, nil
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	s, err := scanSessionFrom(rows.Scan)
	if err != nil {
		return nil, fleeterr.ErrStore("scan session", err)
	}
	return s, nil
}

func scanSessionFrom(scan func(...any) error) (*Session, error) {
	var (
		s                                      Session
		worktreeName                           sql.NullString
		isMain, sshKey                         int
		mode, createdAt, heartbeat             string
		sandboxID, prompt, status, outputLog   sql.NullString
		budgetLimit, estimatedCost, actualCost sql.NullFloat64
		templateName, gitUser, gitEmail        sql.NullString
	)
	err := scan(&s.ID, &s.PID, &s.RepoPath, &s.WorktreePath, &worktreeName, &isMain, &mode,
		&createdAt, &heartbeat, &sandboxID, &prompt, &status, &outputLog,
		&budgetLimit, &estimatedCost, &actualCost, &templateName, &gitUser, &gitEmail, &sshKey)
	if err != nil {
		return nil, err
	}

	if worktreeName.Valid {
		s.WorktreeName = &worktreeName.String
	}
	s.IsMainRepo = isMain != 0
	s.SSHKeyProvided = sshKey != 0
	s.Mode = ExecutionMode(mode)
	if s.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if s.LastHeartbeat, err = ParseTime(heartbeat); err != nil {
		return nil, err
	}
	s.SandboxID = sandboxID.String
	s.Prompt = prompt.String
	s.Status = SessionStatus(status.String)
	s.OutputLog = outputLog.String
	s.BudgetLimit = budgetLimit.Float64
	s.EstimatedCost = estimatedCost.Float64
	s.ActualCost = actualCost.Float64
	s.TemplateName = templateName.String
	s.GitUser = gitUser.String
	s.GitEmail = gitEmail.String
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
