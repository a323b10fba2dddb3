// Package learning turns gate deficiencies into durable per-worker warnings
// and renders the active ones into task context.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synedrio/internal/gate"
	"github.com/mtzanidakis/synedrio/internal/store"
)

type Warning struct {
	ID           string    `json:"id"`
	WorkerID     string    `json:"worker_id"`
	Category     string    `json:"category"`
	Text         string    `json:"text"`
	ReportID     string    `json:"report_id,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store records warnings. Writes to one worker's chains are serialized;
// different workers proceed independently.
type Store struct {
	store *store.Store
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

func New(s *store.Store) *Store {
	return &Store{
		store: s,
		locks: make(map[string]*sync.Mutex),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) workerLock(workerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workerID] = l
	}
	return l
}

// Record creates one warning per deficiency, categorized by dimension. An
// existing head for the same worker and category is superseded by the new one.
func (s *Store) Record(ctx context.Context, workerID string, defs []gate.Deficiency) ([]Warning, error) {
	l := s.workerLock(workerID)
	l.Lock()
	defer l.Unlock()

	out := make([]Warning, 0, len(defs))
	for _, d := range defs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		head, err := s.store.CurrentWarning(workerID, d.DimensionID)
		if err != nil {
			return out, fmt.Errorf("record warning: %w", err)
		}
		w := Warning{
			ID:        uuid.New().String(),
			WorkerID:  workerID,
			Category:  d.DimensionID,
			Text:      d.Reason,
			ReportID:  d.ReportID,
			CreatedAt: s.now(),
		}
		prev := ""
		if head != nil {
			prev = head.ID
		}
		if err := s.store.InsertWarning(toRecord(w), prev); err != nil {
			return out, fmt.Errorf("record warning: %w", err)
		}
		slog.Info("warning recorded", "worker", workerID, "category", w.Category, "supersedes", prev)
		out = append(out, w)
	}
	return out, nil
}

// Supersede replaces oldID with next. next inherits the worker and category
// of the warning it replaces when they are unset.
func (s *Store) Supersede(ctx context.Context, oldID string, next Warning) (Warning, error) {
	old, err := s.store.GetWarning(oldID)
	if err != nil {
		return Warning{}, fmt.Errorf("supersede: %w", err)
	}
	if old == nil {
		return Warning{}, fmt.Errorf("supersede: warning %s not found", oldID)
	}
	if next.WorkerID == "" {
		next.WorkerID = old.WorkerID
	}
	if next.WorkerID != old.WorkerID {
		return Warning{}, fmt.Errorf("supersede: warning %s belongs to %s, not %s", oldID, old.WorkerID, next.WorkerID)
	}
	if next.Category == "" {
		next.Category = old.Category
	}
	if next.ID == "" {
		next.ID = uuid.New().String()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = s.now()
	}
	next.SupersededBy = ""

	l := s.workerLock(next.WorkerID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return Warning{}, err
	}
	if err := s.store.InsertWarning(toRecord(next), oldID); err != nil {
		return Warning{}, fmt.Errorf("supersede: %w", err)
	}
	return next, nil
}

// WarningsFor returns the active warnings of a worker, oldest first.
func (s *Store) WarningsFor(_ context.Context, workerID string) ([]Warning, error) {
	recs, err := s.store.ActiveWarnings(workerID)
	if err != nil {
		return nil, fmt.Errorf("warnings for %s: %w", workerID, err)
	}
	return fromRecords(recs), nil
}

// History returns every warning of a worker, superseded ones included.
func (s *Store) History(_ context.Context, workerID string) ([]Warning, error) {
	recs, err := s.store.WarningHistory(workerID)
	if err != nil {
		return nil, fmt.Errorf("warning history for %s: %w", workerID, err)
	}
	return fromRecords(recs), nil
}

// Context renders warnings as guidance for a task prompt. It returns an
// empty string when there is nothing to say.
func Context(warnings []Warning) string {
	if len(warnings) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Known prior deficiencies\n")
	sb.WriteString("Earlier reports were rejected for the following reasons. Address each one explicitly.\n")
	for _, w := range warnings {
		fmt.Fprintf(&sb, "- [%s] %s\n", w.Category, w.Text)
	}
	return sb.String()
}

func toRecord(w Warning) *store.Warning {
	return &store.Warning{
		ID:        w.ID,
		WorkerID:  w.WorkerID,
		Category:  w.Category,
		Text:      w.Text,
		ReportID:  w.ReportID,
		CreatedAt: w.CreatedAt,
	}
}

func fromRecords(recs []store.Warning) []Warning {
	out := make([]Warning, 0, len(recs))
	for _, r := range recs {
		out = append(out, Warning(r))
	}
	return out
}
