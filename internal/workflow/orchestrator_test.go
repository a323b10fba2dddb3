package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/synedrio/internal/archive"
	"github.com/mtzanidakis/synedrio/internal/completion"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/directory"
	"github.com/mtzanidakis/synedrio/internal/gate"
	"github.com/mtzanidakis/synedrio/internal/router"
	"github.com/mtzanidakis/synedrio/internal/store"
)

const goodReport = "Entry price: 101.5\nStop at 97, target 110."

// backend is a scripted completion service. Workers listed in forgetful
// only state an entry price once a warning tells them to; workers in
// stubborn never do.
type backend struct {
	mu        sync.Mutex
	calls     []completion.Request
	forgetful map[string]bool
	stubborn  map[string]bool
	hook      func(ctx context.Context, req completion.Request) (completion.Result, error, bool)
}

func newBackend() *backend {
	return &backend{forgetful: map[string]bool{}, stubborn: map[string]bool{}}
}

func (b *backend) Complete(ctx context.Context, req completion.Request) (completion.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		if res, err, handled := hook(ctx, req); handled {
			return res, err
		}
	}

	switch {
	case req.WorkerID == "chief" || req.WorkerID == "desk-head" && !strings.HasPrefix(req.Prompt, "[cross-division]"):
		return completion.Result{Text: "coordinator view: constructive", Success: true}, nil
	case b.stubborn[req.WorkerID]:
		return completion.Result{Text: "buy it, trust me", Success: true}, nil
	case b.forgetful[req.WorkerID] && !strings.Contains(req.Context, "entry price"):
		return completion.Result{Text: "looks cheap, buy", Success: true}, nil
	}
	return completion.Result{Text: goodReport, Success: true}, nil
}

func (b *backend) callsFor(workerID string) []completion.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []completion.Request
	for _, c := range b.calls {
		if c.WorkerID == workerID {
			out = append(out, c)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	types  []string
}

func (p *recordingPublisher) PublishJSON(topic string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if m, ok := v.(map[string]any); ok {
		p.types = append(p.types, m["type"].(string))
	}
	return nil
}

func testDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	dir, err := directory.New(config.DirectoryConfig{
		Divisions: []config.DivisionDefinition{
			{ID: "research", Supervisor: "chief"},
			{ID: "trading", Supervisor: "desk-head"},
		},
		Workers: []config.WorkerDefinition{
			{ID: "chief", Division: "research"},
			{ID: "macro", Division: "research", Supervisor: "chief"},
			{ID: "equity", Division: "research", Supervisor: "chief"},
			{ID: "credit", Division: "research", Supervisor: "chief"},
			{ID: "quant", Division: "research", Supervisor: "chief", Dormant: true},
			{ID: "desk-head", Division: "trading", Supervisor: "chief"},
			{ID: "trader", Division: "trading", Supervisor: "desk-head"},
		},
	})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	return dir
}

func testRubric(t *testing.T) gate.Rubric {
	t.Helper()
	r, err := gate.NewRubric(config.RubricConfig{
		Threshold: 3,
		MaxScore:  5,
		Dimensions: []config.DimensionDefinition{
			{ID: "entry price", Description: "states an entry price", Critical: true, Patterns: []string{`entry price\s*:`}},
		},
	})
	if err != nil {
		t.Fatalf("new rubric: %v", err)
	}
	return r
}

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		MaxAttempts:        3,
		CompletionAttempts: 2,
		BranchTimeout:      5 * time.Second,
		ArchiveAttempts:    2,
		ArchiveBackoff:     time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, svc completion.Service, cfg config.WorkflowConfig, opts ...Option) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	o := New(s, testDirectory(t), svc, gate.New(gate.NewRuleEvaluator(5)), testRubric(t), cfg, opts...)
	return o, s
}

func steps(t *testing.T, s *store.Store, runID string) []string {
	t.Helper()
	arts, err := s.ListArtifacts(runID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.Step)
	}
	return out
}

func TestScenarioAllPassFirstAttempt(t *testing.T) {
	be := newBackend()
	o, s := newTestOrchestrator(t, be, testWorkflowConfig())

	run, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "Assess EURUSD", Subordinates: []string{"macro", "equity", "credit"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != StatusPassed {
		t.Errorf("expected status passed, got %s", run.Status)
	}
	if run.ReworkCount != 0 {
		t.Errorf("expected no rework, got %d", run.ReworkCount)
	}

	got := steps(t, s, run.ID)
	want := []string{
		store.StepIndependent,
		store.StepFanout, store.StepFanout, store.StepFanout,
		store.StepSelfSynthesis,
		store.StepGate,
		store.StepFinalSynthesis,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d artifacts, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("artifact %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	trail, err := o.Trail(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if trail.LastState != StateDone || trail.GateRounds != 1 {
		t.Errorf("unexpected trail state %s, rounds %d", trail.LastState, trail.GateRounds)
	}
	if trail.Final != "coordinator view: constructive" {
		t.Errorf("unexpected final synthesis %q", trail.Final)
	}

	final := be.callsFor("chief")
	last := final[len(final)-1]
	if !strings.Contains(last.Prompt, "## Your independent judgment") || strings.Count(last.Prompt, "Entry price: 101.5") != 3 {
		t.Errorf("final synthesis prompt should carry the judgment and all three reports:\n%s", last.Prompt)
	}
}

func TestScenarioReworkAfterWarning(t *testing.T) {
	be := newBackend()
	be.forgetful["macro"] = true
	o, s := newTestOrchestrator(t, be, testWorkflowConfig())
	ctx := context.Background()

	run, err := o.Run(ctx, Request{CoordinatorID: "chief", Prompt: "Assess EURUSD", Subordinates: []string{"macro", "equity"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != StatusPassed {
		t.Fatalf("expected passed, got %s (%s)", run.Status, run.Error)
	}
	if run.ReworkCount != 1 {
		t.Errorf("expected 1 rework, got %d", run.ReworkCount)
	}

	trail, err := o.Trail(ctx, run.ID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	reports := trail.ReportsFor("macro")
	if len(reports) != 2 || reports[0].Version != 1 || reports[1].Version != 2 {
		t.Fatalf("expected macro reports v1 and v2, got %+v", reports)
	}
	if len(trail.ReportsFor("equity")) != 1 {
		t.Errorf("passing report must not be re-dispatched")
	}

	history, _ := o.Learning().History(ctx, "macro")
	if len(history) != 1 || history[0].Category != "entry price" {
		t.Errorf("expected exactly one entry price warning, got %+v", history)
	}

	calls := be.callsFor("macro")
	if len(calls) != 2 {
		t.Fatalf("expected 2 dispatches to macro, got %d", len(calls))
	}
	if calls[0].Context != "" {
		t.Errorf("first dispatch should carry no warnings, got %q", calls[0].Context)
	}
	if !strings.Contains(calls[1].Context, history[0].Text) {
		t.Errorf("rework must inject the active warning, got %q", calls[1].Context)
	}
	if !strings.Contains(calls[1].Prompt, "looks cheap, buy") {
		t.Errorf("rework prompt must carry the previous report, got %q", calls[1].Prompt)
	}

	got := steps(t, s, run.ID)
	want := []string{
		store.StepIndependent, store.StepFanout, store.StepFanout, store.StepSelfSynthesis,
		store.StepGate, store.StepRejected, store.StepRework, store.StepGate, store.StepFinalSynthesis,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected steps:\n got %v\nwant %v", got, want)
	}

	// The warning outlives the run: the next run's first dispatch already
	// carries it, so macro passes without rework.
	next, err := o.Run(ctx, Request{CoordinatorID: "chief", Prompt: "Assess USDJPY", Subordinates: []string{"macro"}})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if next.ReworkCount != 0 {
		t.Errorf("expected learned warning to prevent rework, got %d reworks", next.ReworkCount)
	}
}

func TestScenarioRetryCeiling(t *testing.T) {
	be := newBackend()
	be.stubborn["credit"] = true
	o, s := newTestOrchestrator(t, be, testWorkflowConfig())
	ctx := context.Background()

	run, err := o.Run(ctx, Request{CoordinatorID: "chief", Prompt: "Assess EURUSD", Subordinates: []string{"macro", "credit"}})
	if !errors.Is(err, ErrRetryCeilingExceeded) {
		t.Fatalf("expected ErrRetryCeilingExceeded, got %v", err)
	}
	if run.Status != StatusFailedExhausted {
		t.Errorf("expected failedExhausted, got %s", run.Status)
	}

	trail, _ := o.Trail(ctx, run.ID)
	if n := len(trail.ReportsFor("credit")); n != 3 {
		t.Errorf("expected 3 credit reports, got %d", n)
	}
	history, _ := o.Learning().History(ctx, "credit")
	if len(history) != 3 {
		t.Errorf("expected 3 warnings, got %d", len(history))
	}
	active, _ := o.Learning().WarningsFor(ctx, "credit")
	if len(active) != 1 {
		t.Errorf("expected superseding chain with one head, got %d active", len(active))
	}
	if len(be.callsFor("credit")) != 3 {
		t.Errorf("expected exactly 3 dispatches to credit, got %d", len(be.callsFor("credit")))
	}

	for _, step := range steps(t, s, run.ID) {
		if step == store.StepFinalSynthesis {
			t.Error("exhausted run must not reach final synthesis")
		}
	}
}

func TestDormantSubordinateAbortsOnlyItsBranch(t *testing.T) {
	be := newBackend()
	o, s := newTestOrchestrator(t, be, testWorkflowConfig())

	run, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"quant", "macro"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != StatusPassed {
		t.Errorf("expected passed, got %s", run.Status)
	}
	if len(be.callsFor("quant")) != 0 {
		t.Error("dormant worker must never be dispatched")
	}

	arts, _ := s.ListArtifacts(run.ID)
	var routing int
	for _, a := range arts {
		if a.Step == store.StepRouting {
			routing++
			if a.WorkerID != "quant" || !strings.Contains(string(a.Payload), "dormant") {
				t.Errorf("unexpected routing artifact: %s %s", a.WorkerID, a.Payload)
			}
		}
	}
	if routing != 1 {
		t.Errorf("expected 1 routing artifact, got %d", routing)
	}
}

func TestCrossDivisionSubordinateGoesThroughSupervisor(t *testing.T) {
	be := newBackend()
	o, _ := newTestOrchestrator(t, be, testWorkflowConfig())

	run, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "quote EURUSD", Subordinates: []string{"trader"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(be.callsFor("trader")) != 0 {
		t.Error("cross-division worker must not be dispatched directly")
	}
	calls := be.callsFor("desk-head")
	if len(calls) != 1 {
		t.Fatalf("expected 1 dispatch to desk-head, got %d", len(calls))
	}
	if calls[0].Prompt != router.WrapCrossDivision("chief", "trading", "quote EURUSD") {
		t.Errorf("unexpected redirected prompt %q", calls[0].Prompt)
	}

	trail, _ := o.Trail(context.Background(), run.ID)
	reports := trail.ReportsFor("trader")
	if len(reports) != 1 || reports[0].WorkerID != "desk-head" {
		t.Errorf("expected the trader branch answered by desk-head, got %+v", reports)
	}
}

func TestCompletionRetriedBeforeGate(t *testing.T) {
	be := newBackend()
	var mu sync.Mutex
	failures := 0
	be.hook = func(_ context.Context, req completion.Request) (completion.Result, error, bool) {
		if req.WorkerID != "equity" {
			return completion.Result{}, nil, false
		}
		mu.Lock()
		defer mu.Unlock()
		if failures == 0 {
			failures++
			return completion.Result{}, completion.ErrTimeout, true
		}
		return completion.Result{}, nil, false
	}
	o, _ := newTestOrchestrator(t, be, testWorkflowConfig())

	run, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"equity"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.ReworkCount != 0 {
		t.Errorf("transient failure must not cause rework, got %d", run.ReworkCount)
	}
	if n := len(be.callsFor("equity")); n != 2 {
		t.Errorf("expected 2 completion attempts, got %d", n)
	}
}

func TestCompletionOutageBecomesGateFailure(t *testing.T) {
	be := newBackend()
	be.hook = func(_ context.Context, req completion.Request) (completion.Result, error, bool) {
		if req.WorkerID == "equity" {
			return completion.Result{ErrorKind: "overloaded"}, completion.ErrFailure, true
		}
		return completion.Result{}, nil, false
	}
	cfg := testWorkflowConfig()
	cfg.MaxAttempts = 2
	o, _ := newTestOrchestrator(t, be, cfg)
	ctx := context.Background()

	run, err := o.Run(ctx, Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"equity", "macro"}})
	if !errors.Is(err, ErrRetryCeilingExceeded) {
		t.Fatalf("expected ErrRetryCeilingExceeded, got %v", err)
	}
	if run.Status != StatusFailedExhausted {
		t.Errorf("expected failedExhausted, got %s", run.Status)
	}
	// 2 gate attempts x 2 completion attempts each.
	if n := len(be.callsFor("equity")); n != 4 {
		t.Errorf("expected 4 completion calls, got %d", n)
	}

	history, _ := o.Learning().History(ctx, "equity")
	if len(history) != 2 || history[0].Category != SyntheticCategory {
		t.Fatalf("expected synthetic warnings, got %+v", history)
	}
	if !strings.HasPrefix(history[0].Text, "no report produced") {
		t.Errorf("unexpected synthetic deficiency text %q", history[0].Text)
	}
}

func TestBranchTimeoutExcludesBranch(t *testing.T) {
	be := newBackend()
	be.hook = func(ctx context.Context, req completion.Request) (completion.Result, error, bool) {
		if req.WorkerID != "credit" {
			return completion.Result{}, nil, false
		}
		<-ctx.Done()
		return completion.Result{}, ctx.Err(), true
	}
	cfg := testWorkflowConfig()
	cfg.BranchTimeout = 100 * time.Millisecond
	o, s := newTestOrchestrator(t, be, cfg)

	run, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro", "credit"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != StatusPassed {
		t.Errorf("expected passed with the dead branch excluded, got %s", run.Status)
	}

	trail, _ := o.Trail(context.Background(), run.ID)
	if n := len(trail.ReportsFor("credit")); n != 0 {
		t.Errorf("timed out branch must not contribute a report, got %d", n)
	}
	if got := steps(t, s, run.ID); len(got) != 6 {
		t.Errorf("expected 6 artifacts, got %v", got)
	}
}

func TestReworkTimeoutCountsAsFailedAttempt(t *testing.T) {
	be := newBackend()
	be.forgetful["macro"] = true
	be.hook = func(ctx context.Context, req completion.Request) (completion.Result, error, bool) {
		if req.WorkerID != "macro" || !strings.Contains(req.Context, "entry price") {
			return completion.Result{}, nil, false
		}
		<-ctx.Done()
		return completion.Result{}, ctx.Err(), true
	}
	cfg := testWorkflowConfig()
	cfg.BranchTimeout = 200 * time.Millisecond
	o, s := newTestOrchestrator(t, be, cfg)
	ctx := context.Background()

	run, err := o.Run(ctx, Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro"}})
	if !errors.Is(err, ErrRetryCeilingExceeded) {
		t.Fatalf("expected ErrRetryCeilingExceeded, got %v", err)
	}
	if run.Status != StatusFailedExhausted {
		t.Errorf("expected failedExhausted, got %s", run.Status)
	}

	got := steps(t, s, run.ID)
	for _, step := range got {
		if step == store.StepFinalSynthesis {
			t.Fatalf("run must not reach final synthesis, got %v", got)
		}
	}
	reworks := 0
	for _, step := range got {
		if step == store.StepRework {
			reworks++
		}
	}
	if reworks != 2 {
		t.Errorf("expected 2 timed out reworks, got %v", got)
	}

	active, _ := o.Learning().WarningsFor(ctx, "macro")
	found := false
	for _, w := range active {
		if w.Category == SyntheticCategory && strings.Contains(w.Text, "branch timed out") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a no-report warning for the timed out rework, got %+v", active)
	}
}

func TestFanoutRunsConcurrently(t *testing.T) {
	be := newBackend()
	var mu sync.Mutex
	arrived := 0
	all := make(chan struct{})
	be.hook = func(ctx context.Context, req completion.Request) (completion.Result, error, bool) {
		if req.WorkerID == "chief" && strings.Contains(req.Prompt, "independent judgment now") {
			return completion.Result{}, nil, false
		}
		if req.WorkerID == "chief" && strings.Contains(req.Prompt, "Accepted reports") {
			return completion.Result{}, nil, false
		}
		mu.Lock()
		arrived++
		if arrived == 4 {
			close(all)
		}
		mu.Unlock()
		select {
		case <-all:
		case <-time.After(2 * time.Second):
			return completion.Result{}, errors.New("fan-out was not concurrent"), true
		}
		return completion.Result{}, nil, false
	}
	cfg := testWorkflowConfig()
	cfg.CompletionAttempts = 1
	o, _ := newTestOrchestrator(t, be, cfg)

	run, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro", "equity", "credit"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.ReworkCount != 0 {
		t.Errorf("expected all branches to pass together, got %d reworks", run.ReworkCount)
	}
}

func TestCancelStopsRun(t *testing.T) {
	be := newBackend()
	started := make(chan struct{})
	var once sync.Once
	be.hook = func(ctx context.Context, req completion.Request) (completion.Result, error, bool) {
		if req.WorkerID != "macro" {
			return completion.Result{}, nil, false
		}
		once.Do(func() { close(started) })
		<-ctx.Done()
		return completion.Result{}, ctx.Err(), true
	}
	o, s := newTestOrchestrator(t, be, testWorkflowConfig())

	run, err := o.Start(Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("macro was never dispatched")
	}
	if err := o.Cancel(run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := o.Status(run.ID)
		if got != nil && got.Finished() && len(o.Active()) == 0 {
			if got.Status != StatusCancelled {
				t.Errorf("expected cancelled, got %s", got.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not finish after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := steps(t, s, run.ID)
	if len(got) != 1 || got[0] != store.StepIndependent {
		t.Errorf("expected the committed independent artifact to survive, got %v", got)
	}

	if err := o.Cancel(run.ID); !errors.Is(err, ErrRunNotActive) {
		t.Errorf("expected ErrRunNotActive after finish, got %v", err)
	}
}

type brokenArchive struct{}

func (brokenArchive) Append(context.Context, archive.Artifact) error {
	return errors.New("disk full")
}

func (brokenArchive) List(context.Context, string) ([]archive.Artifact, error) {
	return nil, nil
}

func TestArchiveFailureStopsRun(t *testing.T) {
	be := newBackend()
	o, _ := newTestOrchestrator(t, be, testWorkflowConfig(), WithArchive(archive.NewRetrying(brokenArchive{}, 2, time.Millisecond)))

	run, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro"}})
	if !errors.Is(err, archive.ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("expected failed, got %s", run.Status)
	}
	if len(be.callsFor("macro")) != 0 {
		t.Error("run must not advance past an unarchived step")
	}
}

func TestRunValidation(t *testing.T) {
	o, s := newTestOrchestrator(t, newBackend(), testWorkflowConfig())

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown coordinator", Request{CoordinatorID: "ghost", Prompt: "p"}, directory.ErrUnknownWorker},
		{"unknown subordinate", Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"ghost"}}, directory.ErrUnknownWorker},
		{"dormant coordinator", Request{CoordinatorID: "quant", Prompt: "p"}, router.ErrDormantTarget},
	}
	for _, tt := range tests {
		if _, err := o.Run(context.Background(), tt.req); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}

	if _, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro", "macro"}}); err == nil {
		t.Error("expected duplicate subordinate error")
	}

	runs, _ := s.ListRuns(10)
	if len(runs) != 0 {
		t.Errorf("rejected requests must not create runs, got %d", len(runs))
	}
}

func TestRunEventsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	o, _ := newTestOrchestrator(t, newBackend(), testWorkflowConfig(), WithPublisher(pub))

	run, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.types) == 0 || pub.types[0] != "run_started" || pub.types[len(pub.types)-1] != "run_finished" {
		t.Errorf("unexpected event sequence %v", pub.types)
	}
	if !strings.Contains(strings.Join(pub.types, ","), "gate_completed") {
		t.Errorf("expected gate_completed event, got %v", pub.types)
	}
	for _, topic := range pub.topics {
		if topic != "events.run."+run.ID {
			t.Errorf("unexpected topic %s", topic)
		}
	}
}

func TestUpdateDirectoryAppliesToNewRuns(t *testing.T) {
	o, _ := newTestOrchestrator(t, newBackend(), testWorkflowConfig())

	dir, err := directory.New(config.DirectoryConfig{
		Divisions: []config.DivisionDefinition{{ID: "research", Supervisor: "chief"}},
		Workers: []config.WorkerDefinition{
			{ID: "chief", Division: "research"},
			{ID: "macro", Division: "research", Dormant: true},
		},
	})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	o.UpdateDirectory(dir)

	if _, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"equity"}}); !errors.Is(err, directory.ErrUnknownWorker) {
		t.Errorf("expected removed worker to be unknown, got %v", err)
	}
}

func TestShutdownFinalisesStartedRuns(t *testing.T) {
	be := newBackend()
	dispatched := make(chan struct{}, 2)
	be.hook = func(ctx context.Context, req completion.Request) (completion.Result, error, bool) {
		if req.WorkerID != "macro" {
			return completion.Result{}, nil, false
		}
		dispatched <- struct{}{}
		<-ctx.Done()
		return completion.Result{}, ctx.Err(), true
	}
	cfg := testWorkflowConfig()
	cfg.CompletionAttempts = 1
	o, s := newTestOrchestrator(t, be, cfg)

	var ids []string
	for i := 0; i < 2; i++ {
		run, err := o.Start(Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro"}})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		ids = append(ids, run.ID)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-dispatched:
		case <-time.After(2 * time.Second):
			t.Fatal("macro was never dispatched")
		}
	}

	o.Shutdown()
	o.Wait()

	// Wait returned, so the store already holds the final status.
	for _, id := range ids {
		got, err := s.GetRun(id)
		if err != nil || got == nil {
			t.Fatalf("get run %s: %v", id, err)
		}
		if got.Status != StatusCancelled {
			t.Errorf("run %s: expected cancelled, got %s", id, got.Status)
		}
	}
	if n := len(o.Active()); n != 0 {
		t.Errorf("expected no active runs, got %d", n)
	}

	if _, err := o.Start(Request{CoordinatorID: "chief", Prompt: "p", Subordinates: []string{"macro"}}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown from Start, got %v", err)
	}
	if _, err := o.Run(context.Background(), Request{CoordinatorID: "chief", Prompt: "p"}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown from Run, got %v", err)
	}
	o.Wait()
}
