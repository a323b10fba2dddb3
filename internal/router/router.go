package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/directory"
)

var ErrDormantTarget = errors.New("target worker is dormant")

type Kind int

const (
	Direct Kind = iota
	Redirect
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Redirect:
		return "redirect"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Task is a unit of requested work. Tasks are not mutated after dispatch; a
// rework is a new Task pointing at its predecessor through ParentID.
type Task struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	CallerID  string    `json:"caller_id"`
	TargetID  string    `json:"target_id"`
	Prompt    string    `json:"prompt"`
	Context   string    `json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision is the outcome of routing one request. WorkerID is the worker
// that receives Task; for a redirect that is the target division's supervisor.
type Decision struct {
	Kind     Kind   `json:"kind"`
	WorkerID string `json:"worker_id,omitempty"`
	Task     Task   `json:"task"`
}

type Router struct {
	dir *directory.Directory
}

func New(dir *directory.Directory) *Router {
	return &Router{dir: dir}
}

// Route decides how a request from caller to target is delivered. A dormant
// target is rejected regardless of division; same-division requests go
// direct; everything else is wrapped and sent to the target's supervisor.
func (r *Router) Route(callerID, targetID string, task Task) (Decision, error) {
	if _, err := r.dir.Resolve(callerID); err != nil {
		return Decision{}, fmt.Errorf("route caller: %w", err)
	}
	target, err := r.dir.Resolve(targetID)
	if err != nil {
		return Decision{}, fmt.Errorf("route target: %w", err)
	}

	task.CallerID = callerID
	task.TargetID = targetID

	if target.Dormant {
		return Decision{Kind: Rejected, Task: task}, fmt.Errorf("route to %s: %w", targetID, ErrDormantTarget)
	}

	callerDiv, err := r.dir.DivisionOf(callerID)
	if err != nil {
		return Decision{}, err
	}
	if callerDiv.ID == target.DivisionID {
		return Decision{Kind: Direct, WorkerID: targetID, Task: task}, nil
	}

	sup, err := r.dir.Supervisor(target.DivisionID)
	if err != nil {
		return Decision{}, fmt.Errorf("route to %s: %w", targetID, err)
	}
	if sup.Dormant {
		return Decision{Kind: Rejected, Task: task}, fmt.Errorf("route to %s via %s: %w", targetID, sup.ID, ErrDormantTarget)
	}

	task.TargetID = sup.ID
	task.Prompt = WrapCrossDivision(callerID, target.DivisionID, task.Prompt)
	return Decision{Kind: Redirect, WorkerID: sup.ID, Task: task}, nil
}

// WrapCrossDivision adds provenance to a task redirected into another division.
func WrapCrossDivision(callerID, divisionID, prompt string) string {
	return fmt.Sprintf("[cross-division] %s requests of %s: %s", callerID, divisionID, prompt)
}

// ParseAddress splits an "@worker text" message into a canonical worker id
// and the remaining text. Messages without an address return an empty id.
func (r *Router) ParseAddress(message string) (workerID string, text string, err error) {
	if !strings.HasPrefix(message, "@") {
		return "", message, nil
	}
	parts := strings.SplitN(message, " ", 2)
	name := strings.TrimPrefix(parts[0], "@")
	id, err := r.dir.Canonical(name)
	if err != nil {
		return "", message, err
	}
	if len(parts) > 1 {
		text = parts[1]
	}
	return id, text, nil
}
