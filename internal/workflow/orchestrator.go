// Package workflow drives a run through independent judgment, fan-out,
// synthesis, gating and bounded rework, archiving every step.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synedrio/internal/archive"
	"github.com/mtzanidakis/synedrio/internal/completion"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/directory"
	"github.com/mtzanidakis/synedrio/internal/gate"
	"github.com/mtzanidakis/synedrio/internal/learning"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/router"
	"github.com/mtzanidakis/synedrio/internal/store"
)

// Publisher receives run events. *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Orchestrator struct {
	store    *store.Store
	archive  archive.Archive
	complete completion.Service
	learning *learning.Store
	events   Publisher
	now      func() time.Time

	mu     sync.RWMutex
	dir    *directory.Directory
	gate   *gate.Gate
	rubric gate.Rubric
	cfg    config.WorkflowConfig

	runs    *runTracker
	wg      sync.WaitGroup
	closing bool
}

type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithArchive replaces the default sqlite archive.
func WithArchive(a archive.Archive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(s *store.Store, dir *directory.Directory, svc completion.Service, g *gate.Gate, rubric gate.Rubric, cfg config.WorkflowConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		complete: svc,
		learning: learning.New(s),
		now:      func() time.Time { return time.Now().UTC() },
		dir:      dir,
		gate:     g,
		rubric:   rubric,
		cfg:      normalizeConfig(cfg),
		runs:     newRunTracker(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.archive == nil {
		o.archive = archive.NewRetrying(archive.NewSQLite(s), o.cfg.ArchiveAttempts, o.cfg.ArchiveBackoff)
	}
	return o
}

func normalizeConfig(cfg config.WorkflowConfig) config.WorkflowConfig {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.CompletionAttempts < 1 {
		cfg.CompletionAttempts = 2
	}
	if cfg.ArchiveAttempts < 1 {
		cfg.ArchiveAttempts = 5
	}
	return cfg
}

// Learning exposes the warning store used by the orchestrator.
func (o *Orchestrator) Learning() *learning.Store {
	return o.learning
}

// Directory returns the roster new runs are validated against.
func (o *Orchestrator) Directory() *directory.Directory {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dir
}

// UpdateDirectory swaps the roster for runs started afterwards.
func (o *Orchestrator) UpdateDirectory(dir *directory.Directory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dir = dir
}

// UpdateRubric swaps the gate and rubric for runs started afterwards.
func (o *Orchestrator) UpdateRubric(g *gate.Gate, rubric gate.Rubric) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = g
	o.rubric = rubric
}

// UpdateWorkflow replaces the retry and timeout policy for new runs.
func (o *Orchestrator) UpdateWorkflow(cfg config.WorkflowConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = normalizeConfig(cfg)
}

// snapshot captures the configuration a run uses for its whole lifetime.
func (o *Orchestrator) snapshot() *runState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return &runState{
		dir:    o.dir,
		router: router.New(o.dir),
		gate:   o.gate,
		rubric: o.rubric,
		cfg:    o.cfg,
	}
}

func (o *Orchestrator) prepare(req Request) (*runState, *store.Run, error) {
	rs := o.snapshot()

	coord, err := rs.dir.Resolve(req.CoordinatorID)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: %w", err)
	}
	if coord.Dormant {
		return nil, nil, fmt.Errorf("coordinator %s: %w", coord.ID, router.ErrDormantTarget)
	}
	if req.Prompt == "" {
		return nil, nil, fmt.Errorf("prompt is required")
	}
	seen := make(map[string]bool, len(req.Subordinates))
	for _, id := range req.Subordinates {
		if _, err := rs.dir.Resolve(id); err != nil {
			return nil, nil, fmt.Errorf("subordinate: %w", err)
		}
		if id == req.CoordinatorID {
			return nil, nil, fmt.Errorf("coordinator %s cannot be its own subordinate", id)
		}
		if seen[id] {
			return nil, nil, fmt.Errorf("duplicate subordinate %s", id)
		}
		seen[id] = true
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	rs.req = req

	subs, _ := json.Marshal(req.Subordinates)
	run := &store.Run{
		ID:            req.ID,
		CoordinatorID: req.CoordinatorID,
		Prompt:        req.Prompt,
		Subordinates:  subs,
		Status:        StatusInProgress,
	}
	if err := o.store.SaveRun(run); err != nil {
		return nil, nil, fmt.Errorf("save run: %w", err)
	}
	return rs, run, nil
}

// Run executes a run to completion and returns its final record. The error
// is non-nil when the run did not pass; it wraps ErrRetryCeilingExceeded,
// ErrCancelled or archive.ErrWriteFailure as appropriate.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*store.Run, error) {
	if err := o.admit(); err != nil {
		return nil, err
	}
	defer o.wg.Done()

	rs, run, err := o.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.runs.add(run.ID, cancel)
	defer o.runs.remove(run.ID)

	o.publishEvent(run.ID, "run_started", map[string]any{
		"coordinator":  req.CoordinatorID,
		"subordinates": len(req.Subordinates),
	})

	runErr := o.execute(ctx, rs)
	return o.finish(rs, runErr)
}

// Start launches a run in the background and returns its record at once.
func (o *Orchestrator) Start(req Request) (*store.Run, error) {
	if err := o.admit(); err != nil {
		return nil, err
	}
	rs, run, err := o.prepare(req)
	if err != nil {
		o.wg.Done()
		return nil, err
	}

	// Use a background context so the run outlives the caller's request.
	ctx, cancel := context.WithCancel(context.Background())
	o.runs.add(run.ID, cancel)

	o.publishEvent(run.ID, "run_started", map[string]any{
		"coordinator":  rs.req.CoordinatorID,
		"subordinates": len(rs.req.Subordinates),
	})

	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.runs.remove(run.ID)
		runErr := o.execute(ctx, rs)
		if _, err := o.finish(rs, runErr); err != nil {
			slog.Warn("run did not pass", "run", run.ID, "error", err)
		}
	}()

	return run, nil
}

// admit counts a new run unless the orchestrator is shutting down.
func (o *Orchestrator) admit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return ErrShuttingDown
	}
	o.wg.Add(1)
	return nil
}

// Shutdown refuses new runs and cancels every active one. Wait then blocks
// until they have recorded their final status.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	for _, id := range o.Active() {
		_ = o.Cancel(id)
	}
}

// Wait blocks until every run started through Run or Start has recorded its
// final status.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) finish(rs *runState, runErr error) (*store.Run, error) {
	status := StatusPassed
	errMsg := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrRetryCeilingExceeded):
		status = StatusFailedExhausted
	case errors.Is(runErr, ErrCancelled):
		status = StatusCancelled
	default:
		status = StatusFailed
	}
	if runErr != nil {
		errMsg = runErr.Error()
	}

	if err := o.store.UpdateRun(rs.req.ID, status, rs.reworkCount(), errMsg); err != nil {
		slog.Error("update run failed", "run", rs.req.ID, "error", err)
	}
	o.publishEvent(rs.req.ID, "run_finished", map[string]any{
		"status":       status,
		"rework_count": rs.reworkCount(),
		"error":        errMsg,
	})
	slog.Info("run finished", "run", rs.req.ID, "status", status, "reworks", rs.reworkCount())

	run, err := o.store.GetRun(rs.req.ID)
	if err != nil {
		return nil, err
	}
	return run, runErr
}

// Cancel stops an in-flight run. Artifacts already archived are kept.
func (o *Orchestrator) Cancel(runID string) error {
	if !o.runs.cancel(runID) {
		return fmt.Errorf("cancel %s: %w", runID, ErrRunNotActive)
	}
	slog.Info("run cancel requested", "run", runID)
	return nil
}

func (o *Orchestrator) Status(runID string) (*store.Run, error) {
	return o.store.GetRun(runID)
}

// State reports the current state of an in-flight run.
func (o *Orchestrator) State(runID string) (State, bool) {
	return o.runs.state(runID)
}

// Active lists the ids of in-flight runs.
func (o *Orchestrator) Active() []string {
	ids := o.runs.active()
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) publishEvent(runID, eventType string, data map[string]any) {
	if o.events == nil {
		return
	}

	event := map[string]any{
		"type":      eventType,
		"run_id":    runID,
		"timestamp": o.now().Format(time.RFC3339),
		"data":      data,
	}
	if err := o.events.PublishJSON(natsbus.TopicEventsRun(runID), event); err != nil {
		slog.Debug("publish run event failed", "run", runID, "type", eventType, "error", err)
	}
}
