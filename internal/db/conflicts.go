package db

import (
	"database/sql"
	"time"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// ConflictType classifies a detected conflict on a file.
type ConflictType string

const (
	ConflictTrivial        ConflictType = "TRIVIAL"
	ConflictConcurrentEdit ConflictType = "CONCURRENT_EDIT"
	ConflictStructural     ConflictType = "STRUCTURAL"
	ConflictSemantic       ConflictType = "SEMANTIC"
)

// ConflictResolution is a file-scoped record of a detected conflict and
// how (or whether) it was resolved.
type ConflictResolution struct {
	ID                 string
	FilePath           string
	ConflictType       ConflictType
	ResolutionStrategy string
	Confidence         float64
	DetectedAt         time.Time
	ResolvedAt         *time.Time
	SuggestionID       string
}

// AutoFixSuggestion is a proposed resolution for a conflict.
type AutoFixSuggestion struct {
	ID           string
	FilePath     string
	ConflictType ConflictType
	Strategy     string
	Confidence   float64
	Explanation  string
	GeneratedAt  time.Time
	AppliedAt    *time.Time
	AutoApplied  bool
}

// SaveConflictResolution inserts a conflict record.
func (d *DB) SaveConflictResolution(c *ConflictResolution) error {
	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = FormatTime(*c.ResolvedAt)
	}
	_, err := d.Exec(`
		INSERT INTO conflict_resolutions (id, file_path, conflict_type, resolution_strategy, confidence, detected_at, resolved_at, suggestion_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FilePath, string(c.ConflictType), c.ResolutionStrategy, c.Confidence,
		FormatTime(c.DetectedAt), resolvedAt, nullStr(c.SuggestionID))
	if err != nil {
		return fleeterr.ErrStore("save conflict resolution", err)
	}
	return nil
}

// MarkConflictResolved sets resolved_at on a conflict record.
func (d *DB) MarkConflictResolved(id string, at time.Time) error {
	if _, err := d.Exec("UPDATE conflict_resolutions SET resolved_at = ? WHERE id = ?",
		FormatTime(at), id); err != nil {
		return fleeterr.ErrStore("mark conflict resolved", err)
	}
	return nil
}

// ListConflictResolutions returns conflict records for a file path, or all
// when filePath is empty. Newest first.
func (d *DB) ListConflictResolutions(filePath string) ([]*ConflictResolution, error) {
	query := `SELECT id, file_path, conflict_type, resolution_strategy, confidence, detected_at, resolved_at, suggestion_id
		FROM conflict_resolutions`
	var args []any
	if filePath != "" {
		query += " WHERE file_path = ?"
		args = append(args, filePath)
	}
	query += " ORDER BY detected_at DESC"

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fleeterr.ErrStore("list conflict resolutions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ConflictResolution
	for rows.Next() {
		var (
			c                      ConflictResolution
			ctype, detectedAt      string
			resolvedAt, suggestion sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.FilePath, &ctype, &c.ResolutionStrategy,
			&c.Confidence, &detectedAt, &resolvedAt, &suggestion); err != nil {
			return nil, fleeterr.ErrStore("scan conflict resolution", err)
		}
		c.ConflictType = ConflictType(ctype)
		if c.DetectedAt, err = ParseTime(detectedAt); err != nil {
			return nil, fleeterr.ErrStore("parse conflict time", err)
		}
		if resolvedAt.Valid {
			t, perr := ParseTime(resolvedAt.String)
			if perr != nil {
				return nil, fleeterr.ErrStore("parse resolution time", perr)
			}
			c.ResolvedAt = &t
		}
		c.SuggestionID = suggestion.String
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fleeterr.ErrStore("iterate conflict resolutions", err)
	}
	return out, nil
}

// SaveAutoFixSuggestion inserts a suggestion record.
func (d *DB) SaveAutoFixSuggestion(s *AutoFixSuggestion) error {
	var appliedAt any
	if s.AppliedAt != nil {
		appliedAt = FormatTime(*s.AppliedAt)
	}
	_, err := d.Exec(`
		INSERT INTO auto_fix_suggestions (id, file_path, conflict_type, strategy, confidence, explanation, generated_at, applied_at, auto_applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.FilePath, string(s.ConflictType), s.Strategy, s.Confidence,
		nullStr(s.Explanation), FormatTime(s.GeneratedAt), appliedAt, boolToInt(s.AutoApplied))
	if err != nil {
		return fleeterr.ErrStore("save auto-fix suggestion", err)
	}
	return nil
}

// GetAutoFixSuggestion looks up a suggestion by id. Returns (nil, nil)
// when absent.
func (d *DB) GetAutoFixSuggestion(id string) (*AutoFixSuggestion, error) {
	var (
		s                      AutoFixSuggestion
		ctype, generatedAt     string
		explanation, appliedAt sql.NullString
		autoApplied            int
	)
	err := d.QueryRow(`
		SELECT id, file_path, conflict_type, strategy, confidence, explanation, generated_at, applied_at, auto_applied
		FROM auto_fix_suggestions WHERE id = ?`, id).
		Scan(&s.ID, &s.FilePath, &ctype, &s.Strategy, &s.Confidence,
			&explanation, &generatedAt, &appliedAt, &autoApplied)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fleeterr.ErrStore("get auto-fix suggestion", err)
	}
	s.ConflictType = ConflictType(ctype)
	s.Explanation = explanation.String
	if s.GeneratedAt, err = ParseTime(generatedAt); err != nil {
		return nil, fleeterr.ErrStore("parse suggestion time", err)
	}
	if appliedAt.Valid {
		t, perr := ParseTime(appliedAt.String)
		if perr != nil {
			return nil, fleeterr.ErrStore("parse applied time", perr)
		}
		s.AppliedAt = &t
	}
	s.AutoApplied = autoApplied != 0
	return &s, nil
}
