package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadySuperseded is returned when a warning that already has a successor
// is superseded again.
var ErrAlreadySuperseded = errors.New("warning already superseded")

type Warning struct {
	ID           string    `json:"id"`
	WorkerID     string    `json:"worker_id"`
	Category     string    `json:"category"`
	Text         string    `json:"text"`
	ReportID     string    `json:"report_id,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const warningColumns = `id, worker_id, category, text, report_id, superseded_by, created_at`

func scanWarning(scanner interface {
	Scan(dest ...any) error
}) (*Warning, error) {
	w := &Warning{}
	var reportID, supersededBy sql.NullString
	if err := scanner.Scan(&w.ID, &w.WorkerID, &w.Category, &w.Text, &reportID, &supersededBy, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.ReportID = reportID.String
	w.SupersededBy = supersededBy.String
	return w, nil
}

// InsertWarning stores w. When supersedes is set, that warning is linked to
// w in the same transaction; it must belong to the same worker and must not
// already have a successor.
func (s *Store) InsertWarning(w *Warning, supersedes string) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO warnings (id, worker_id, category, text, report_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.WorkerID, w.Category, w.Text, nullString(w.ReportID), w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert warning: %w", err)
	}

	if supersedes != "" {
		res, err := tx.Exec(`
			UPDATE warnings SET superseded_by = ?
			WHERE id = ? AND worker_id = ? AND superseded_by IS NULL`,
			w.ID, supersedes, w.WorkerID)
		if err != nil {
			return fmt.Errorf("supersede warning: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("supersede warning: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("supersede warning %s: %w", supersedes, ErrAlreadySuperseded)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit warning: %w", err)
	}
	return nil
}

func (s *Store) GetWarning(id string) (*Warning, error) {
	row := s.db.QueryRow(`SELECT `+warningColumns+` FROM warnings WHERE id = ?`, id)
	w, err := scanWarning(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get warning: %w", err)
	}
	return w, nil
}

// CurrentWarning returns the head of the chain for worker and category.
func (s *Store) CurrentWarning(workerID, category string) (*Warning, error) {
	row := s.db.QueryRow(`
		SELECT `+warningColumns+` FROM warnings
		WHERE worker_id = ? AND category = ? AND superseded_by IS NULL
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, workerID, category)
	w, err := scanWarning(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current warning: %w", err)
	}
	return w, nil
}

// ActiveWarnings returns the warnings of a worker that have not been superseded.
func (s *Store) ActiveWarnings(workerID string) ([]Warning, error) {
	return s.queryWarnings(`
		SELECT `+warningColumns+` FROM warnings
		WHERE worker_id = ? AND superseded_by IS NULL
		ORDER BY created_at, rowid`, workerID)
}

// WarningHistory returns every warning recorded for a worker, oldest first.
func (s *Store) WarningHistory(workerID string) ([]Warning, error) {
	return s.queryWarnings(`
		SELECT `+warningColumns+` FROM warnings
		WHERE worker_id = ? ORDER BY created_at, rowid`, workerID)
}

func (s *Store) queryWarnings(query string, args ...any) ([]Warning, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query warnings: %w", err)
	}
	defer rows.Close()

	var warnings []Warning
	for rows.Next() {
		w, err := scanWarning(rows)
		if err != nil {
			return nil, fmt.Errorf("scan warning: %w", err)
		}
		warnings = append(warnings, *w)
	}
	return warnings, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
