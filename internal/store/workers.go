package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Worker struct {
	ID           string    `json:"id"`
	DivisionID   string    `json:"division_id"`
	SupervisorID string    `json:"supervisor_id,omitempty"`
	IsSupervisor bool      `json:"is_supervisor"`
	Dormant      bool      `json:"dormant"`
	Description  string    `json:"description,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const workerColumns = `id, division_id, supervisor_id, is_supervisor, dormant, description, updated_at`

func scanWorker(scanner interface {
	Scan(dest ...any) error
}) (*Worker, error) {
	w := &Worker{}
	var supervisor, description sql.NullString
	if err := scanner.Scan(&w.ID, &w.DivisionID, &supervisor, &w.IsSupervisor, &w.Dormant, &description, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.SupervisorID = supervisor.String
	w.Description = description.String
	return w, nil
}

func (s *Store) SaveWorker(w *Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, division_id, supervisor_id, is_supervisor, dormant, description, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			division_id = excluded.division_id,
			supervisor_id = excluded.supervisor_id,
			is_supervisor = excluded.is_supervisor,
			dormant = excluded.dormant,
			description = excluded.description,
			updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.DivisionID, w.SupervisorID, w.IsSupervisor, w.Dormant, w.Description)
	if err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}

func (s *Store) GetWorker(id string) (*Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

func (s *Store) ListWorkers() ([]Worker, error) {
	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY division_id, id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

func (s *Store) DeleteWorkersNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM workers`)
		return err
	}
	query := `DELETE FROM workers WHERE id NOT IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}
