package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/schedule"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/mtzanidakis/synedrio/internal/workflow"
)

// Runner executes a workflow run to completion. *workflow.Orchestrator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, req workflow.Request) (*store.Run, error)
}

type Scheduler struct {
	store  *store.Store
	runner Runner
	events workflow.Publisher
	now    func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	inFlight     map[string]bool
	reloadCh     chan struct{}
	wg           sync.WaitGroup
}

func New(s *store.Store, runner Runner, events workflow.Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		runner:       runner,
		events:       events,
		now:          func() time.Time { return time.Now().UTC() },
		pollInterval: cfg.PollInterval,
		inFlight:     make(map[string]bool),
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig updates the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	return s.pollInterval
}

// Start polls for due scheduled runs until ctx is cancelled, then waits for
// the runs it launched.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Add validates and stores a scheduled run, computing its first run time.
func (s *Scheduler) Add(sr *store.ScheduledRun) error {
	normalized, err := schedule.Normalize(sr.Schedule)
	if err != nil {
		return err
	}
	if sr.CoordinatorID == "" || sr.Prompt == "" {
		return fmt.Errorf("coordinator and prompt are required")
	}
	if len(sr.Subordinates) > 0 {
		var subs []string
		if err := json.Unmarshal(sr.Subordinates, &subs); err != nil {
			return fmt.Errorf("subordinates must be a list of worker ids: %w", err)
		}
	}
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	sr.Schedule = normalized
	sr.NextRunAt = schedule.NextRun(normalized, s.now())
	if sr.NextRunAt == nil {
		return fmt.Errorf("schedule %q never fires", sr.Schedule)
	}
	if err := s.store.SaveScheduledRun(sr); err != nil {
		return err
	}
	slog.Info("scheduled run added", "id", sr.ID, "name", sr.Name, "schedule", schedule.Describe(normalized))
	return nil
}

// SetStatus pauses or resumes a scheduled run. Resuming recomputes the next
// run time from now so missed ticks are not replayed.
func (s *Scheduler) SetStatus(id, status string) error {
	sr, err := s.store.GetScheduledRun(id)
	if err != nil {
		return err
	}
	if sr == nil {
		return fmt.Errorf("scheduled run %s not found", id)
	}
	switch status {
	case "paused":
	case "active":
		sr.NextRunAt = schedule.NextRun(sr.Schedule, s.now())
		if sr.NextRunAt == nil {
			return fmt.Errorf("schedule of %s never fires again", id)
		}
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	sr.Status = status
	return s.store.SaveScheduledRun(sr)
}

func (s *Scheduler) poll(ctx context.Context) {
	now := s.now()
	due, err := s.store.GetDueScheduledRuns(now)
	if err != nil {
		slog.Error("failed to get due scheduled runs", "error", err)
		return
	}

	for _, sr := range due {
		s.mu.Lock()
		busy := s.inFlight[sr.ID]
		if !busy {
			s.inFlight[sr.ID] = true
		}
		s.mu.Unlock()
		if busy {
			slog.Debug("scheduled run still in flight", "id", sr.ID)
			continue
		}

		s.wg.Add(1)
		go func(sr store.ScheduledRun) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, sr.ID)
				s.mu.Unlock()
			}()
			s.execute(ctx, sr, now)
		}(sr)
	}
}

// wait blocks until every launched run has been recorded.
func (s *Scheduler) wait() {
	s.wg.Wait()
}

func (s *Scheduler) execute(ctx context.Context, sr store.ScheduledRun, firedAt time.Time) {
	slog.Info("executing scheduled run", "id", sr.ID, "name", sr.Name, "coordinator", sr.CoordinatorID)
	s.publishEvent(sr, "schedule_fired", nil)

	var (
		run *store.Run
		err error
	)
	subs, err := decodeSubordinates(sr.Subordinates)
	if err == nil {
		run, err = s.runner.Run(ctx, workflow.Request{
			CoordinatorID: sr.CoordinatorID,
			Prompt:        sr.Prompt,
			Subordinates:  subs,
		})
	}

	var runID, lastStatus, lastError string
	if run != nil {
		runID = run.ID
		lastStatus = run.Status
	}
	if err != nil {
		lastError = err.Error()
		if lastStatus == "" {
			lastStatus = "error"
		}
		slog.Error("scheduled run failed", "id", sr.ID, "run", runID, "error", err)
	}

	nextRun := schedule.NextRun(sr.Schedule, firedAt)

	if err := s.store.UpdateScheduledRunResult(sr.ID, runID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update scheduled run", "id", sr.ID, "error", err)
	}

	s.publishEvent(sr, "schedule_executed", map[string]any{
		"run_id": runID,
		"status": lastStatus,
	})

	// Mark one-off schedules as completed when they have no next run
	if nextRun == nil {
		slog.Info("no next run, marking one-off schedule as completed", "id", sr.ID, "name", sr.Name)
		if err := s.store.UpdateScheduledRunStatus(sr.ID, "completed"); err != nil {
			slog.Error("failed to complete scheduled run", "id", sr.ID, "error", err)
		}
	}
}

// decodeSubordinates reads the stored subordinate list. A corrupt row is an
// error rather than a run without subordinates.
func decodeSubordinates(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var subs []string
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, fmt.Errorf("decode subordinates: %w", err)
	}
	return subs, nil
}

func (s *Scheduler) publishEvent(sr store.ScheduledRun, eventType string, extra map[string]any) {
	if s.events == nil {
		return
	}

	data := map[string]any{
		"id":   sr.ID,
		"name": sr.Name,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := map[string]any{
		"type":      eventType,
		"timestamp": s.now().Format(time.RFC3339),
		"data":      data,
	}
	if err := s.events.PublishJSON(natsbus.TopicEventsSchedule(sr.ID), event); err != nil {
		slog.Debug("publish schedule event failed", "id", sr.ID, "error", err)
	}
}
