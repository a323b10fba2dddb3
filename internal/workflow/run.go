package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synedrio/internal/archive"
	"github.com/mtzanidakis/synedrio/internal/completion"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/directory"
	"github.com/mtzanidakis/synedrio/internal/gate"
	"github.com/mtzanidakis/synedrio/internal/learning"
	"github.com/mtzanidakis/synedrio/internal/router"
	"github.com/mtzanidakis/synedrio/internal/store"
)

// joinGrace is how long the fan-out join waits past the branch timeout for
// branches that do not honour cancellation.
const joinGrace = 5 * time.Second

type runState struct {
	req    Request
	dir    *directory.Directory
	router *router.Router
	gate   *gate.Gate
	rubric gate.Rubric
	cfg    config.WorkflowConfig

	judgment string
	branches []*branch
	reworks  int
}

func (rs *runState) reworkCount() int {
	return rs.reworks
}

type outcome struct {
	task     router.Task
	text     string
	err      error
	timedOut bool
}

// job runs one concurrent unit of work and returns the function that
// publishes its result. Results that arrive after the join are dropped.
type job func(ctx context.Context) (apply func())

func (o *Orchestrator) execute(ctx context.Context, rs *runState) error {
	runID := rs.req.ID
	coord := rs.req.CoordinatorID
	slog.Info("starting run", "run", runID, "coordinator", coord, "subordinates", len(rs.req.Subordinates))

	// 1. Independent judgment, archived and never gated.
	o.runs.setState(runID, StateIndependent)
	ind := o.dispatchWithWarnings(ctx, rs, coord, o.newTask("", coord, coord, independentPrompt(rs.req.Prompt)))
	if err := cancelled(ctx); err != nil {
		return err
	}
	if ind.err != nil {
		slog.Warn("independent judgment failed", "run", runID, "error", ind.err)
	}
	rs.judgment = ind.text
	if err := o.archiveStep(ctx, runID, store.StepIndependent, coord, 1, o.stepPayload(ind, "", coord, 1)); err != nil {
		return err
	}

	// 2. Fan-out: the coordinator's analysis and every subordinate in parallel.
	o.runs.setState(runID, StateFanout)
	var analysis outcome
	jobs := []job{func(jctx context.Context) func() {
		out := o.dispatchWithWarnings(jctx, rs, coord, o.newTask("", coord, coord, analysisPrompt(rs.req.Prompt)))
		return func() { analysis = out }
	}}

	dispatched := make(map[*branch]bool)
	for _, target := range rs.req.Subordinates {
		b := &branch{target: target, status: branchPending}
		rs.branches = append(rs.branches, b)

		decision, err := rs.router.Route(coord, target, o.newTask("", coord, target, rs.req.Prompt))
		b.task = decision.Task
		b.route = decision.Kind
		if err != nil {
			if !errors.Is(err, router.ErrDormantTarget) {
				return fmt.Errorf("route %s: %w", target, err)
			}
			slog.Info("branch rejected by routing", "run", runID, "target", target, "error", err)
			b.status = branchDormant
			b.noReport = err.Error()
			continue
		}
		b.worker = decision.WorkerID
		b.prompt = decision.Task.Prompt
		dispatched[b] = true
		jobs = append(jobs, o.branchJob(ctx, rs, b, b.task, 1))
	}

	o.join(ctx, runID, rs.cfg.BranchTimeout, jobs)
	if err := cancelled(ctx); err != nil {
		return err
	}
	o.markTimedOut(rs, dispatched, 1)

	for _, b := range rs.branches {
		if b.status == branchDormant {
			payload := routingPayload{Task: b.task, Route: b.route.String(), Error: b.noReport}
			if err := o.archiveStep(ctx, runID, store.StepRouting, b.target, 1, payload); err != nil {
				return err
			}
			continue
		}
		if err := o.archiveStep(ctx, runID, store.StepFanout, b.target, 1, o.branchPayload(b)); err != nil {
			return err
		}
	}

	// 3. Self synthesis: the coordinator's own fan-out output.
	o.runs.setState(runID, StateSelfSynthesis)
	if analysis.task.ID == "" {
		analysis.err = errors.New("coordinator analysis timed out")
	}
	if analysis.err != nil {
		slog.Warn("coordinator analysis failed", "run", runID, "error", analysis.err)
	}
	if err := o.archiveStep(ctx, runID, store.StepSelfSynthesis, coord, 1, o.stepPayload(analysis, "", coord, 1)); err != nil {
		return err
	}

	// 4-6. Gate, reject and rework until everything passes or a branch
	// runs out of attempts.
	pending := rs.activeBranches()
	for round := 1; len(pending) > 0; round++ {
		o.runs.setState(runID, StateGate)
		if err := o.score(ctx, rs, pending, round); err != nil {
			return err
		}

		var failing []*branch
		for _, b := range pending {
			if b.status == branchFailed {
				failing = append(failing, b)
			}
		}
		if len(failing) == 0 {
			break
		}

		o.runs.setState(runID, StateRejected)
		exhausted, err := o.reject(ctx, rs, failing)
		if err != nil {
			return err
		}
		if len(exhausted) > 0 {
			return fmt.Errorf("%w: %s failed %d attempts", ErrRetryCeilingExceeded, exhausted[0].target, exhausted[0].attempts)
		}

		o.runs.setState(runID, StateRework)
		if err := o.rework(ctx, rs, failing); err != nil {
			return err
		}
		pending = nil
		for _, b := range failing {
			if b.status == branchPending {
				pending = append(pending, b)
			}
		}
	}

	// 7. Final synthesis of the independent judgment and accepted reports.
	o.runs.setState(runID, StateFinalSynthesis)
	var passing []*branch
	for _, b := range rs.branches {
		if b.status == branchPassed {
			passing = append(passing, b)
		}
	}
	final := o.dispatchWithWarnings(ctx, rs, coord, o.newTask("", coord, coord, finalPrompt(rs.req.Prompt, rs.judgment, passing)))
	if err := cancelled(ctx); err != nil {
		return err
	}
	if err := o.archiveStep(ctx, runID, store.StepFinalSynthesis, coord, 1, o.stepPayload(final, "", coord, 1)); err != nil {
		return err
	}
	if final.err != nil {
		return fmt.Errorf("final synthesis: %w", final.err)
	}

	o.runs.setState(runID, StateDone)
	return nil
}

func (o *Orchestrator) branchJob(ctx context.Context, rs *runState, b *branch, task router.Task, version int) job {
	worker := b.worker
	return func(jctx context.Context) func() {
		out := o.dispatchWithWarnings(jctx, rs, worker, task)
		out.timedOut = errors.Is(jctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		now := o.now()
		return func() { b.apply(out, version, now) }
	}
}

func (b *branch) apply(out outcome, version int, now time.Time) {
	b.task = out.task
	b.attempts = version
	if out.timedOut {
		b.status = branchTimedOut
		b.noReport = "branch timed out"
		return
	}
	b.status = branchPending
	b.noReport = ""
	if out.err != nil {
		b.noReport = out.err.Error()
	}
	b.report = gate.Report{
		ID:        uuid.New().String(),
		TaskID:    out.task.ID,
		WorkerID:  b.worker,
		Content:   out.text,
		Version:   version,
		CreatedAt: now,
	}
}

// markTimedOut flags dispatched branches whose result never made the join.
func (o *Orchestrator) markTimedOut(rs *runState, dispatched map[*branch]bool, version int) {
	for _, b := range rs.branches {
		if dispatched[b] && b.attempts != version {
			slog.Warn("branch timed out", "run", rs.req.ID, "target", b.target, "version", version)
			b.attempts = version
			b.status = branchTimedOut
			b.noReport = "branch timed out"
		}
	}
}

func (rs *runState) activeBranches() []*branch {
	var out []*branch
	for _, b := range rs.branches {
		if b.status == branchPending {
			out = append(out, b)
		}
	}
	return out
}

// join runs jobs concurrently and waits until all finish, the timeout
// passes or ctx is cancelled. A zero timeout waits for every job.
func (o *Orchestrator) join(ctx context.Context, runID string, timeout time.Duration, jobs []job) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined bool
	)
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			jctx, cancel := withTimeout(ctx, timeout)
			defer cancel()
			apply := j(jctx)

			mu.Lock()
			defer mu.Unlock()
			if !joined && apply != nil {
				apply()
			}
		}(j)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout + joinGrace)
	}

	select {
	case <-done:
	case <-deadline:
		slog.Warn("join timed out", "run", runID, "jobs", len(jobs))
	case <-ctx.Done():
		slog.Info("run cancelled", "run", runID)
	}

	mu.Lock()
	joined = true
	mu.Unlock()
}

// score gates every pending branch independently and archives one gate
// artifact for the round.
func (o *Orchestrator) score(ctx context.Context, rs *runState, pending []*branch, round int) error {
	jobs := make([]job, 0, len(pending))
	for _, b := range pending {
		b := b
		jobs = append(jobs, func(jctx context.Context) func() {
			res, err := o.check(jctx, rs, b)
			if err != nil {
				return nil
			}
			return func() {
				b.result = res
				if res.Verdict == gate.Pass {
					b.status = branchPassed
				} else {
					b.status = branchFailed
				}
			}
		})
	}
	o.join(ctx, rs.req.ID, 0, jobs)
	if err := cancelled(ctx); err != nil {
		return err
	}

	payload := gatePayload{Round: round}
	passed, failed := 0, 0
	for _, b := range pending {
		payload.Results = append(payload.Results, gateEntry{
			Target:       b.target,
			WorkerID:     b.worker,
			ReportID:     b.report.ID,
			Version:      b.report.Version,
			Verdict:      b.result.Verdict,
			Score:        b.result.Score,
			Deficiencies: b.result.Deficiencies,
		})
		if b.status == branchPassed {
			passed++
		} else {
			failed++
		}
	}
	if err := o.archiveStep(ctx, rs.req.ID, store.StepGate, "", round, payload); err != nil {
		return err
	}
	o.publishEvent(rs.req.ID, "gate_completed", map[string]any{
		"round":  round,
		"passed": passed,
		"failed": failed,
	})
	return nil
}

func (o *Orchestrator) check(ctx context.Context, rs *runState, b *branch) (gate.Result, error) {
	if b.noReport != "" {
		score := gate.Score{ReportID: b.report.ID}
		return gate.Result{
			Score:   score,
			Verdict: gate.Fail,
			Deficiencies: []gate.Deficiency{{
				DimensionID: SyntheticCategory,
				Reason:      "no report produced: " + b.noReport,
				ReportID:    b.report.ID,
			}},
		}, nil
	}
	return rs.gate.Check(ctx, b.report, rs.rubric)
}

// reject records the deficiencies of every failing branch as warnings and
// archives the rejection. Branches on their last attempt are returned as
// exhausted; when there are none, each branch gets its rework task.
func (o *Orchestrator) reject(ctx context.Context, rs *runState, failing []*branch) ([]*branch, error) {
	recorded := make(map[*branch][]learning.Warning, len(failing))
	errs := make(map[*branch]error)
	jobs := make([]job, 0, len(failing))
	for _, b := range failing {
		b := b
		jobs = append(jobs, func(jctx context.Context) func() {
			ws, err := o.learning.Record(jctx, b.worker, b.result.Deficiencies)
			return func() {
				recorded[b] = ws
				if err != nil {
					errs[b] = err
				}
			}
		})
	}
	o.join(ctx, rs.req.ID, 0, jobs)
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	for _, b := range failing {
		if err := errs[b]; err != nil {
			return nil, fmt.Errorf("record warnings for %s: %w", b.worker, err)
		}
	}

	var exhausted []*branch
	for _, b := range failing {
		if b.attempts >= rs.cfg.MaxAttempts {
			b.status = branchExhausted
			exhausted = append(exhausted, b)
		}
	}

	for _, b := range failing {
		payload := rejectedPayload{
			WorkerID:     b.worker,
			ReportID:     b.report.ID,
			Attempt:      b.attempts,
			Deficiencies: b.result.Deficiencies,
			Warnings:     recorded[b],
			Exhausted:    b.status == branchExhausted,
		}
		if len(exhausted) == 0 {
			task := o.newTask(b.task.ID, rs.req.CoordinatorID, b.worker, reworkPrompt(b.prompt, b.report, b.result.Deficiencies))
			task, err := o.withWarnings(ctx, b.worker, task)
			if err != nil {
				return nil, err
			}
			b.reworkTask = task
			payload.Rework = &task
		}
		if err := o.archiveStep(ctx, rs.req.ID, store.StepRejected, b.target, b.attempts, payload); err != nil {
			return nil, err
		}
		o.publishEvent(rs.req.ID, "branch_rejected", map[string]any{
			"target":       b.target,
			"worker":       b.worker,
			"attempt":      b.attempts,
			"deficiencies": len(b.result.Deficiencies),
			"exhausted":    payload.Exhausted,
		})
	}
	return exhausted, nil
}

// rework re-dispatches only the failing branches; passing reports are
// carried forward as they are.
func (o *Orchestrator) rework(ctx context.Context, rs *runState, failing []*branch) error {
	expected := make(map[*branch]int, len(failing))
	jobs := make([]job, 0, len(failing))
	for _, b := range failing {
		version := b.attempts + 1
		expected[b] = version
		task := b.reworkTask
		worker := b.worker
		b := b
		jobs = append(jobs, func(jctx context.Context) func() {
			out := o.dispatch(jctx, rs, worker, task)
			out.timedOut = errors.Is(jctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			now := o.now()
			return func() { b.apply(out, version, now) }
		})
	}
	rs.reworks += len(failing)

	o.join(ctx, rs.req.ID, rs.cfg.BranchTimeout, jobs)
	if err := cancelled(ctx); err != nil {
		return err
	}
	// A rework that never answered already carries a failed verdict, so it
	// is gated as a missing report and uses up its attempt.
	for _, b := range failing {
		if b.attempts != expected[b] || b.status == branchTimedOut {
			slog.Warn("rework timed out", "run", rs.req.ID, "target", b.target, "version", expected[b])
			b.attempts = expected[b]
			b.status = branchPending
			b.noReport = "branch timed out"
			b.report = gate.Report{
				ID:        uuid.New().String(),
				TaskID:    b.reworkTask.ID,
				WorkerID:  b.worker,
				Version:   expected[b],
				CreatedAt: o.now(),
			}
		}
	}

	for _, b := range failing {
		if err := o.archiveStep(ctx, rs.req.ID, store.StepRework, b.target, b.attempts, o.branchPayload(b)); err != nil {
			return err
		}
	}
	return nil
}

// withWarnings injects the worker's active warnings into the task context.
func (o *Orchestrator) withWarnings(ctx context.Context, workerID string, task router.Task) (router.Task, error) {
	ws, err := o.learning.WarningsFor(ctx, workerID)
	if err != nil {
		return task, fmt.Errorf("load warnings: %w", err)
	}
	task.Context = learning.Context(ws)
	return task, nil
}

func (o *Orchestrator) dispatchWithWarnings(ctx context.Context, rs *runState, workerID string, task router.Task) outcome {
	task, err := o.withWarnings(ctx, workerID, task)
	if err != nil {
		return outcome{task: task, err: err}
	}
	return o.dispatch(ctx, rs, workerID, task)
}

// dispatch sends task to the completion service, retrying failures up to
// the configured number of attempts.
func (o *Orchestrator) dispatch(ctx context.Context, rs *runState, workerID string, task router.Task) outcome {
	out := outcome{task: task}
	req := completion.Request{
		WorkerID: workerID,
		TaskID:   task.ID,
		Prompt:   task.Prompt,
		Context:  task.Context,
	}

	for attempt := 1; attempt <= rs.cfg.CompletionAttempts; attempt++ {
		actx, cancel := withTimeout(ctx, rs.cfg.CompletionTimeout)
		res, err := o.complete.Complete(actx, req)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil && !res.Success {
			err = fmt.Errorf("%w: %s", completion.ErrFailure, res.ErrorKind)
		}
		if err == nil {
			out.text = res.Text
			out.err = nil
			return out
		}
		if timedOut && !errors.Is(err, completion.ErrTimeout) {
			err = fmt.Errorf("%w: %v", completion.ErrTimeout, err)
		}
		out.err = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("completion failed", "worker", workerID, "task", task.ID, "attempt", attempt, "error", err)
	}
	return out
}

func (o *Orchestrator) newTask(parentID, callerID, targetID, prompt string) router.Task {
	return router.Task{
		ID:        uuid.New().String(),
		ParentID:  parentID,
		CallerID:  callerID,
		TargetID:  targetID,
		Prompt:    prompt,
		CreatedAt: o.now(),
	}
}

func (o *Orchestrator) stepPayload(out outcome, route, workerID string, version int) dispatchPayload {
	p := dispatchPayload{Task: out.task, Route: route, WorkerID: workerID}
	if out.err != nil {
		p.Error = out.err.Error()
	}
	if out.text != "" || out.err == nil {
		p.Report = &gate.Report{
			ID:        uuid.New().String(),
			TaskID:    out.task.ID,
			WorkerID:  workerID,
			Content:   out.text,
			Version:   version,
			CreatedAt: o.now(),
		}
	}
	return p
}

func (o *Orchestrator) branchPayload(b *branch) dispatchPayload {
	p := dispatchPayload{Task: b.task, Route: b.route.String(), WorkerID: b.worker, Error: b.noReport}
	if b.status != branchTimedOut {
		report := b.report
		p.Report = &report
	}
	return p
}

// archiveStep persists one artifact. The run must not advance when this
// fails.
func (o *Orchestrator) archiveStep(ctx context.Context, runID, step, workerID string, version int, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s artifact: %w", step, err)
	}
	art := archive.Artifact{RunID: runID, Step: step, WorkerID: workerID, Version: version, Payload: data}
	if err := o.archive.Append(ctx, art); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		if !errors.Is(err, archive.ErrWriteFailure) {
			err = fmt.Errorf("%w: %v", archive.ErrWriteFailure, err)
		}
		return fmt.Errorf("archive %s: %w", step, err)
	}
	o.publishEvent(runID, "step_archived", map[string]any{
		"step":    step,
		"worker":  workerID,
		"version": version,
	})
	return nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
