// Package errors provides structured error types for fleet.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for fleet.
const (
	// Input validation
	CodeValidation Code = "VALIDATION_ERROR"

	// Store errors
	CodeStore            Code = "STORE_ERROR"
	CodeMigrationMissing Code = "MIGRATION_MISSING"
	CodeMigrationVerify  Code = "MIGRATION_VERIFY_FAILED"
	CodeBackupMissing    Code = "BACKUP_MISSING"

	// Claim errors
	CodeClaimConflict     Code = "CLAIM_CONFLICT"
	CodeInvalidEscalation Code = "INVALID_ESCALATION"

	// Worktree errors
	CodeWorktree Code = "WORKTREE_ERROR"

	// Sandbox errors
	CodeSandboxCreation   Code = "SANDBOX_CREATION_FAILED"
	CodeAPIKeyMissing     Code = "API_KEY_MISSING"
	CodeSandboxNotHealthy Code = "SANDBOX_NOT_HEALTHY"

	// Transfer errors
	CodeUploadFailed   Code = "UPLOAD_FAILED"
	CodeDownloadFailed Code = "DOWNLOAD_FAILED"

	// Execution errors
	CodeExecutionFailed  Code = "EXECUTION_FAILED"
	CodeExecutionTimeout Code = "EXECUTION_TIMEOUT"

	// Budget and batch errors
	CodeBudgetExceeded      Code = "BUDGET_EXCEEDED"
	CodeGitLiveFailed       Code = "GIT_LIVE_FAILED"
	CodeCancelledByFailFast Code = "CANCELLED_BY_FAIL_FAST"
)

// ConflictingClaim describes one existing claim that blocks an acquire
// or escalate request.
type ConflictingClaim struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	Reason    string `json:"reason,omitempty"`
}

// FleetError is the structured error type for fleet.
type FleetError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`

	// Conflicts is populated for CLAIM_CONFLICT errors.
	Conflicts []ConflictingClaim `json:"conflicts,omitempty"`
}

// Error implements the error interface.
func (e *FleetError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *FleetError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *FleetError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	for _, c := range e.Conflicts {
		fmt.Fprintf(&b, "\n  conflict: session %s holds %s", c.SessionID, c.Mode)
		if c.Reason != "" {
			fmt.Fprintf(&b, " (%s)", c.Reason)
		}
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// MarshalJSON implements json.Marshaler, flattening the cause to a string.
func (e *FleetError) MarshalJSON() ([]byte, error) {
	type alias FleetError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a FleetError with the same code.
func (e *FleetError) Is(target error) bool {
	t, ok := target.(*FleetError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *FleetError) WithCause(err error) *FleetError {
	dup := *e
	dup.Cause = err
	return &dup
}

// --- Error constructors ---

// ErrValidation returns an error for bad caller input.
func ErrValidation(what, why string) *FleetError {
	return &FleetError{
		Code: CodeValidation,
		What: what,
		Why:  why,
	}
}

// ErrStore wraps an underlying store failure.
func ErrStore(what string, cause error) *FleetError {
	return &FleetError{
		Code:  CodeStore,
		What:  what,
		Cause: cause,
	}
}

// ErrMigrationMissing returns an error when no script exists for a version.
func ErrMigrationMissing(version string) *FleetError {
	return &FleetError{
		Code: CodeMigrationMissing,
		What: fmt.Sprintf("no migration script for version %s", version),
		Why:  "The requested schema version has no embedded migration script",
		Fix:  "Upgrade fleet to a release that ships this schema version",
	}
}

// ErrMigrationVerify returns an error when the schema version did not
// advance after a migration script ran.
func ErrMigrationVerify(want, got string) *FleetError {
	return &FleetError{
		Code: CodeMigrationVerify,
		What: fmt.Sprintf("migration to %s did not take effect (version is %s)", want, got),
		Why:  "The schema version row was not advanced by the migration",
		Fix:  "The pre-migration backup is intact; restore with 'fleet migrate --rollback'",
	}
}

// ErrBackupMissing returns an error when a rollback target has no backup file.
func ErrBackupMissing(version, path string) *FleetError {
	return &FleetError{
		Code: CodeBackupMissing,
		What: fmt.Sprintf("no backup for schema version %s", version),
		Why:  fmt.Sprintf("Expected a backup file at %s", path),
		Fix:  "Only versions that were migrated through have backups",
	}
}

// ErrClaimConflict returns an error carrying the blocking claims.
func ErrClaimConflict(filePath string, conflicts []ConflictingClaim) *FleetError {
	return &FleetError{
		Code:      CodeClaimConflict,
		What:      fmt.Sprintf("file %s is claimed by another session", filePath),
		Why:       "An active claim with an incompatible mode exists on this file",
		Fix:       "Wait for the claim to be released or expire, or use 'fleet claim list' to inspect it",
		Conflicts: conflicts,
	}
}

// ErrInvalidEscalation returns an error for an illegal mode transition.
func ErrInvalidEscalation(from, to string) *FleetError {
	return &FleetError{
		Code: CodeInvalidEscalation,
		What: fmt.Sprintf("cannot escalate claim from %s to %s", from, to),
		Why:  "Only INTENT->SHARED, INTENT->EXCLUSIVE and SHARED->EXCLUSIVE are legal",
	}
}

// ErrWorktree wraps a worktree adapter failure.
func ErrWorktree(what string, cause error) *FleetError {
	return &FleetError{
		Code:  CodeWorktree,
		What:  what,
		Cause: cause,
	}
}

// ErrAPIKeyMissing returns an error when the provider API key is not set.
func ErrAPIKeyMissing(envVar string) *FleetError {
	return &FleetError{
		Code: CodeAPIKeyMissing,
		What: "sandbox provider API key is not set",
		Why:  fmt.Sprintf("The %s environment variable is empty", envVar),
		Fix:  fmt.Sprintf("Export %s with a valid provider API key", envVar),
	}
}

// ErrSandboxCreation wraps a provider create failure.
func ErrSandboxCreation(cause error) *FleetError {
	return &FleetError{
		Code:  CodeSandboxCreation,
		What:  "failed to create sandbox",
		Cause: cause,
	}
}

// ErrSandboxNotHealthy returns an error for a failed health check.
func ErrSandboxNotHealthy(sandboxID, why string) *FleetError {
	return &FleetError{
		Code: CodeSandboxNotHealthy,
		What: fmt.Sprintf("sandbox %s is not healthy", sandboxID),
		Why:  why,
	}
}

// ErrUploadFailed wraps an upload failure.
func ErrUploadFailed(cause error) *FleetError {
	return &FleetError{Code: CodeUploadFailed, What: "upload to sandbox failed", Cause: cause}
}

// ErrDownloadFailed wraps a download failure.
func ErrDownloadFailed(cause error) *FleetError {
	return &FleetError{Code: CodeDownloadFailed, What: "download from sandbox failed", Cause: cause}
}

// ErrExecutionFailed wraps an agent execution failure.
func ErrExecutionFailed(why string, cause error) *FleetError {
	return &FleetError{Code: CodeExecutionFailed, What: "agent execution failed", Why: why, Cause: cause}
}

// ErrExecutionTimeout returns an error for a timed-out execution.
func ErrExecutionTimeout(minutes int) *FleetError {
	return &FleetError{
		Code: CodeExecutionTimeout,
		What: fmt.Sprintf("agent execution timed out after %d minutes", minutes),
		Fix:  "Increase --timeout or split the task into smaller prompts",
	}
}

// ErrGitLiveFailed wraps a push/PR failure on the git-live path.
func ErrGitLiveFailed(cause error) *FleetError {
	return &FleetError{Code: CodeGitLiveFailed, What: "git-live push/PR failed", Cause: cause}
}

// ErrCancelled returns the error recorded on tasks cancelled by fail-fast.
func ErrCancelled() *FleetError {
	return &FleetError{
		Code: CodeCancelledByFailFast,
		What: "task cancelled by fail-fast",
		Why:  "An earlier task in the batch failed with --fail-fast enabled",
	}
}

// AsFleetError attempts to convert an error to a FleetError.
// Returns nil if the error is not a FleetError anywhere in its chain.
func AsFleetError(err error) *FleetError {
	for err != nil {
		if fe, ok := err.(*FleetError); ok {
			return fe
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// CodeOf returns the code of err, or "UNKNOWN" for plain errors.
func CodeOf(err error) Code {
	if fe := AsFleetError(err); fe != nil {
		return fe.Code
	}
	return Code("UNKNOWN")
}
