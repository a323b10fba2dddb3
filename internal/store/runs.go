package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunInProgress      = "inProgress"
	RunPassed          = "passed"
	RunFailedExhausted = "failedExhausted"
	RunCancelled       = "cancelled"
	RunFailed          = "failed"
)

type Run struct {
	ID            string          `json:"id"`
	CoordinatorID string          `json:"coordinator_id"`
	Prompt        string          `json:"prompt"`
	Subordinates  json.RawMessage `json:"subordinates"`
	Status        string          `json:"status"`
	ReworkCount   int             `json:"rework_count"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	return r.Status != RunInProgress
}

const runColumns = `id, coordinator_id, prompt, subordinates, status, rework_count, error, started_at, completed_at`

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*Run, error) {
	r := &Run{}
	var subordinates string
	var errMsg sql.NullString
	err := scanner.Scan(&r.ID, &r.CoordinatorID, &r.Prompt, &subordinates, &r.Status, &r.ReworkCount, &errMsg, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Subordinates = json.RawMessage(subordinates)
	r.Error = errMsg.String
	return r, nil
}

func (s *Store) SaveRun(r *Run) error {
	if r.Status == "" {
		r.Status = RunInProgress
	}
	subordinates := string(r.Subordinates)
	if subordinates == "" {
		subordinates = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, coordinator_id, prompt, subordinates, status, rework_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			rework_count = excluded.rework_count,
			error = excluded.error`,
		r.ID, r.CoordinatorID, r.Prompt, subordinates, r.Status, r.ReworkCount, r.Error)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRun(id string, status string, reworkCount int, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, rework_count = ?, error = ?,
		    completed_at = CASE WHEN ? != 'inProgress' THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, reworkCount, errMsg, status, id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}
