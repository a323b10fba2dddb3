package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type ScheduledRun struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Schedule      string          `json:"schedule"`
	CoordinatorID string          `json:"coordinator_id"`
	Subordinates  json.RawMessage `json:"subordinates"`
	Prompt        string          `json:"prompt"`
	Status        string          `json:"status"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	LastRunID     string          `json:"last_run_id,omitempty"`
	LastStatus    string          `json:"last_status,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

const scheduleColumns = `id, name, schedule, coordinator_id, subordinates, prompt, status,
	next_run_at, last_run_at, last_run_id, last_status, last_error, created_at`

func scanScheduledRun(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledRun, error) {
	r := &ScheduledRun{}
	var subordinates string
	var lastRunID, lastStatus, lastError sql.NullString
	err := scanner.Scan(&r.ID, &r.Name, &r.Schedule, &r.CoordinatorID, &subordinates, &r.Prompt, &r.Status,
		&r.NextRunAt, &r.LastRunAt, &lastRunID, &lastStatus, &lastError, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Subordinates = json.RawMessage(subordinates)
	r.LastRunID = lastRunID.String
	r.LastStatus = lastStatus.String
	r.LastError = lastError.String
	return r, nil
}

func (s *Store) SaveScheduledRun(r *ScheduledRun) error {
	if r.Status == "" {
		r.Status = "active"
	}
	subordinates := string(r.Subordinates)
	if subordinates == "" {
		subordinates = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_runs (id, name, schedule, coordinator_id, subordinates, prompt, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			coordinator_id = excluded.coordinator_id,
			subordinates = excluded.subordinates,
			prompt = excluded.prompt,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		r.ID, r.Name, r.Schedule, r.CoordinatorID, subordinates, r.Prompt, r.Status, r.NextRunAt)
	if err != nil {
		return fmt.Errorf("save scheduled run: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledRun(id string) (*ScheduledRun, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM scheduled_runs WHERE id = ?`, id)
	r, err := scanScheduledRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled run: %w", err)
	}
	return r, nil
}

func (s *Store) ListScheduledRuns() ([]ScheduledRun, error) {
	return s.queryScheduledRuns(`SELECT ` + scheduleColumns + ` FROM scheduled_runs ORDER BY created_at, rowid`)
}

func (s *Store) GetDueScheduledRuns(now time.Time) ([]ScheduledRun, error) {
	return s.queryScheduledRuns(`
		SELECT `+scheduleColumns+` FROM scheduled_runs
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
}

func (s *Store) queryScheduledRuns(query string, args ...any) ([]ScheduledRun, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled runs: %w", err)
	}
	defer rows.Close()

	var runs []ScheduledRun
	for rows.Next() {
		r, err := scanScheduledRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateScheduledRunResult(id, runID, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_runs
		SET last_run_at = CURRENT_TIMESTAMP, last_run_id = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, runID, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduledRunStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_runs SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteScheduledRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_runs WHERE id = ?`, id)
	return err
}
