// Package completion is the boundary to the backend that produces a worker's
// text. The orchestrator owns retry and timeout policy; implementations only
// perform a single request.
package completion

import (
	"context"
	"errors"
)

var (
	ErrTimeout = errors.New("completion timed out")
	ErrFailure = errors.New("completion failed")
)

type Request struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id"`
	Prompt   string `json:"prompt"`
	Context  string `json:"context,omitempty"`
}

type Result struct {
	Text      string `json:"text"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type Service interface {
	Complete(ctx context.Context, req Request) (Result, error)
}

// Func adapts an ordinary function to Service.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Complete(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
