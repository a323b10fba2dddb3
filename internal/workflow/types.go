package workflow

import (
	"errors"

	"github.com/mtzanidakis/synedrio/internal/gate"
	"github.com/mtzanidakis/synedrio/internal/learning"
	"github.com/mtzanidakis/synedrio/internal/router"
	"github.com/mtzanidakis/synedrio/internal/store"
)

var (
	ErrRetryCeilingExceeded = errors.New("retry ceiling exceeded")
	ErrCancelled            = errors.New("run cancelled")
	ErrRunNotActive         = errors.New("run not active")
	ErrShuttingDown         = errors.New("orchestrator shutting down")
)

// Run statuses, shared with the store.
const (
	StatusInProgress      = store.RunInProgress
	StatusPassed          = store.RunPassed
	StatusFailedExhausted = store.RunFailedExhausted
	StatusCancelled       = store.RunCancelled
	StatusFailed          = store.RunFailed
)

// State is a position in the run state machine.
type State string

const (
	StateIndependent    State = "independent"
	StateFanout         State = "fanout"
	StateSelfSynthesis  State = "self_synthesis"
	StateGate           State = "gate"
	StateRejected       State = "rejected"
	StateRework         State = "rework"
	StateFinalSynthesis State = "final_synthesis"
	StateDone           State = "done"
)

// SyntheticCategory is the deficiency category used when a worker produced
// no report at all.
const SyntheticCategory = "no_report"

type Request struct {
	ID            string   `json:"id,omitempty"`
	CoordinatorID string   `json:"coordinator"`
	Prompt        string   `json:"prompt"`
	Subordinates  []string `json:"subordinates"`
}

// Branch status values.
const (
	branchPending   = "pending"
	branchPassed    = "passed"
	branchFailed    = "failed"
	branchExhausted = "exhausted"
	branchDormant   = "rejected_dormant"
	branchTimedOut  = "timed_out"
)

// branch is one subordinate's line of work through the run. target is the
// requested subordinate; worker is who actually receives the tasks, which
// differs from target on a cross-division redirect.
type branch struct {
	target     string
	worker     string
	route      router.Kind
	prompt     string
	task       router.Task
	reworkTask router.Task
	report     gate.Report
	noReport   string
	attempts   int
	status     string
	result     gate.Result
}

// dispatchPayload is archived for independent, fanout, self_synthesis,
// rework and final_synthesis steps.
type dispatchPayload struct {
	Task     router.Task  `json:"task"`
	Route    string       `json:"route,omitempty"`
	WorkerID string       `json:"worker_id"`
	Report   *gate.Report `json:"report,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type routingPayload struct {
	Task  router.Task `json:"task"`
	Route string      `json:"route"`
	Error string      `json:"error"`
}

type gatePayload struct {
	Round   int         `json:"round"`
	Results []gateEntry `json:"results"`
}

type gateEntry struct {
	Target       string            `json:"target"`
	WorkerID     string            `json:"worker_id"`
	ReportID     string            `json:"report_id"`
	Version      int               `json:"version"`
	Verdict      gate.Verdict      `json:"verdict"`
	Score        gate.Score        `json:"score"`
	Deficiencies []gate.Deficiency `json:"deficiencies,omitempty"`
}

type rejectedPayload struct {
	WorkerID     string             `json:"worker_id"`
	ReportID     string             `json:"report_id"`
	Attempt      int                `json:"attempt"`
	Deficiencies []gate.Deficiency  `json:"deficiencies"`
	Warnings     []learning.Warning `json:"warnings"`
	Exhausted    bool               `json:"exhausted,omitempty"`
	Rework       *router.Task       `json:"rework,omitempty"`
}
