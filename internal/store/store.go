package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/synedrio/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			id            TEXT PRIMARY KEY,
			division_id   TEXT NOT NULL,
			supervisor_id TEXT,
			is_supervisor BOOLEAN DEFAULT FALSE,
			dormant       BOOLEAN DEFAULT FALSE,
			description   TEXT,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id             TEXT PRIMARY KEY,
			coordinator_id TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			subordinates   TEXT NOT NULL,
			status         TEXT DEFAULT 'inProgress',
			rework_count   INTEGER DEFAULT 0,
			error          TEXT,
			started_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at   DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			step       TEXT NOT NULL,
			worker_id  TEXT NOT NULL DEFAULT '',
			version    INTEGER NOT NULL,
			payload    TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, step, worker_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS warnings (
			id            TEXT PRIMARY KEY,
			worker_id     TEXT NOT NULL,
			category      TEXT NOT NULL,
			text          TEXT NOT NULL,
			report_id     TEXT,
			superseded_by TEXT,
			created_at    DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_warnings_worker ON warnings(worker_id, category, superseded_by)`,
		`CREATE TABLE IF NOT EXISTS scheduled_runs (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			schedule       TEXT NOT NULL,
			coordinator_id TEXT NOT NULL,
			subordinates   TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			status         TEXT DEFAULT 'active',
			next_run_at    DATETIME,
			last_run_at    DATETIME,
			last_run_id    TEXT,
			last_status    TEXT,
			last_error     TEXT,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_next_run ON scheduled_runs(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
