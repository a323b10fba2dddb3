// Package archive persists every workflow artifact, append-only and keyed by
// (run, step, worker, version).
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/synedrio/internal/store"
)

var ErrWriteFailure = errors.New("archive write failed")

type Artifact = store.Artifact

// Archive is the report archive. Append of an existing key is a no-op.
type Archive interface {
	Append(ctx context.Context, a Artifact) error
	List(ctx context.Context, runID string) ([]Artifact, error)
}

// SQLite archives into the store's artifacts table.
type SQLite struct {
	store *store.Store
}

func NewSQLite(s *store.Store) *SQLite {
	return &SQLite{store: s}
}

func (a *SQLite) Append(ctx context.Context, art Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inserted, err := a.store.AppendArtifact(&art)
	if err != nil {
		return err
	}
	if !inserted {
		slog.Debug("artifact already archived", "key", art.Key())
	}
	return nil
}

func (a *SQLite) List(_ context.Context, runID string) ([]Artifact, error) {
	return a.store.ListArtifacts(runID)
}

// Retrying retries failed appends with exponential backoff and reports
// ErrWriteFailure once attempts are exhausted.
type Retrying struct {
	next     Archive
	attempts int
	backoff  time.Duration
}

func NewRetrying(next Archive, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{next: next, attempts: attempts, backoff: backoff}
}

func (r *Retrying) Append(ctx context.Context, art Artifact) error {
	delay := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err := r.next.Append(ctx, art)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("archive %s: %w: %v", art.Key(), ErrWriteFailure, ctx.Err())
		}
		lastErr = err
		slog.Warn("archive append failed", "key", art.Key(), "attempt", attempt, "error", err)
		if attempt == r.attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("archive %s: %w: %v", art.Key(), ErrWriteFailure, ctx.Err())
		}
		delay *= 2
	}
	return fmt.Errorf("archive %s after %d attempts: %w: %v", art.Key(), r.attempts, ErrWriteFailure, lastErr)
}

func (r *Retrying) List(ctx context.Context, runID string) ([]Artifact, error) {
	return r.next.List(ctx, runID)
}
