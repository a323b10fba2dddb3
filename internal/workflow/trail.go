package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/synedrio/internal/archive"
	"github.com/mtzanidakis/synedrio/internal/gate"
	"github.com/mtzanidakis/synedrio/internal/store"
)

type TrailEntry struct {
	Seq       int64     `json:"seq"`
	Step      string    `json:"step"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Summary   string    `json:"summary"`
}

// TrailReport is a subordinate report together with the branch it answers.
type TrailReport struct {
	Target string `json:"target"`
	gate.Report
}

// Trail is the decision trail of a run rebuilt from its archived artifacts.
type Trail struct {
	RunID      string        `json:"run_id"`
	Entries    []TrailEntry  `json:"entries"`
	Reports    []TrailReport `json:"reports"`
	GateRounds int           `json:"gate_rounds"`
	LastState  State         `json:"last_state"`
	Final      string        `json:"final,omitempty"`
}

// ReportsFor returns the archived reports of one subordinate branch, oldest
// first.
func (t *Trail) ReportsFor(target string) []gate.Report {
	var out []gate.Report
	for _, r := range t.Reports {
		if r.Target == target {
			out = append(out, r.Report)
		}
	}
	return out
}

func (o *Orchestrator) Trail(ctx context.Context, runID string) (*Trail, error) {
	arts, err := o.archive.List(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return Replay(runID, arts)
}

// Replay rebuilds a trail from artifacts in archive order.
func Replay(runID string, arts []archive.Artifact) (*Trail, error) {
	t := &Trail{RunID: runID, LastState: StateIndependent}
	for _, a := range arts {
		entry := TrailEntry{Seq: a.Seq, Step: a.Step, WorkerID: a.WorkerID, Version: a.Version, CreatedAt: a.CreatedAt}

		switch a.Step {
		case store.StepIndependent, store.StepSelfSynthesis, store.StepFinalSynthesis, store.StepFanout, store.StepRework:
			var p dispatchPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s artifact %d: %w", a.Step, a.Seq, err)
			}
			entry.Summary = summarizeDispatch(p)
			if p.Report != nil && (a.Step == store.StepFanout || a.Step == store.StepRework) {
				t.Reports = append(t.Reports, TrailReport{Target: a.WorkerID, Report: *p.Report})
			}
			if a.Step == store.StepFinalSynthesis && p.Report != nil {
				t.Final = p.Report.Content
			}
		case store.StepRouting:
			var p routingPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode routing artifact %d: %w", a.Seq, err)
			}
			entry.Summary = "not dispatched: " + p.Error
		case store.StepGate:
			var p gatePayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode gate artifact %d: %w", a.Seq, err)
			}
			passed := 0
			for _, r := range p.Results {
				if r.Verdict == gate.Pass {
					passed++
				}
			}
			t.GateRounds = p.Round
			entry.Summary = fmt.Sprintf("round %d: %d passed, %d failed", p.Round, passed, len(p.Results)-passed)
		case store.StepRejected:
			var p rejectedPayload
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode rejected artifact %d: %w", a.Seq, err)
			}
			entry.Summary = fmt.Sprintf("attempt %d rejected with %d deficiencies", p.Attempt, len(p.Deficiencies))
			if p.Exhausted {
				entry.Summary += ", attempts exhausted"
			}
		default:
			entry.Summary = "unknown step"
		}

		t.LastState = State(a.Step)
		if a.Step == store.StepRouting {
			t.LastState = StateFanout
		}
		t.Entries = append(t.Entries, entry)
	}
	if t.LastState == StateFinalSynthesis {
		t.LastState = StateDone
	}
	return t, nil
}

func summarizeDispatch(p dispatchPayload) string {
	if p.Report == nil {
		return fmt.Sprintf("%s: no report (%s)", p.WorkerID, p.Error)
	}
	s := fmt.Sprintf("%s: report v%d, %d chars", p.WorkerID, p.Report.Version, len(p.Report.Content))
	if p.Route != "" && p.Route != "direct" {
		s += ", " + p.Route
	}
	if p.Error != "" {
		s += ", error: " + p.Error
	}
	return s
}
