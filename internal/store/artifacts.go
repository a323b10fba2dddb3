package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Artifact steps.
const (
	StepIndependent    = "independent"
	StepFanout         = "fanout"
	StepSelfSynthesis  = "self_synthesis"
	StepGate           = "gate"
	StepRejected       = "rejected"
	StepRework         = "rework"
	StepRouting        = "routing"
	StepFinalSynthesis = "final_synthesis"
)

type Artifact struct {
	Seq       int64           `json:"seq"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step"`
	WorkerID  string          `json:"worker_id"`
	Version   int             `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Key identifies an artifact; appends with an existing key are no-ops.
func (a *Artifact) Key() string {
	return fmt.Sprintf("%s/%s/%s/%d", a.RunID, a.Step, a.WorkerID, a.Version)
}

// AppendArtifact inserts a, reporting whether a new row was written.
func (s *Store) AppendArtifact(a *Artifact) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO artifacts (run_id, step, worker_id, version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step, worker_id, version) DO NOTHING`,
		a.RunID, a.Step, a.WorkerID, a.Version, string(a.Payload))
	if err != nil {
		return false, fmt.Errorf("append artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append artifact: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListArtifacts(runID string) ([]Artifact, error) {
	rows, err := s.db.Query(`
		SELECT seq, run_id, step, worker_id, version, payload, created_at
		FROM artifacts WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var payload string
		if err := rows.Scan(&a.Seq, &a.RunID, &a.Step, &a.WorkerID, &a.Version, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
