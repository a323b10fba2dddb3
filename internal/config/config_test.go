package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Rubric.Threshold != 3.0 {
		t.Errorf("expected default threshold 3.0, got %v", cfg.Rubric.Threshold)
	}
	if cfg.Rubric.MaxScore != 5 {
		t.Errorf("expected max score 5, got %v", cfg.Rubric.MaxScore)
	}
	if cfg.Rubric.Evaluator != "rules" {
		t.Errorf("expected rules evaluator, got %s", cfg.Rubric.Evaluator)
	}
	if cfg.Workflow.MaxAttempts != 3 {
		t.Errorf("expected max_attempts 3, got %d", cfg.Workflow.MaxAttempts)
	}
	if cfg.Workflow.CompletionAttempts != 2 {
		t.Errorf("expected completion_attempts 2, got %d", cfg.Workflow.CompletionAttempts)
	}
	if cfg.Workflow.BranchTimeout != 15*time.Minute {
		t.Errorf("expected branch_timeout 15m, got %v", cfg.Workflow.BranchTimeout)
	}
	if cfg.NATS.Port != 4222 || cfg.NATS.Host != "127.0.0.1" {
		t.Errorf("expected nats on 127.0.0.1:4222, got %s:%d", cfg.NATS.Host, cfg.NATS.Port)
	}
	if cfg.Store.Path != "data/synedrio.db" {
		t.Errorf("expected store path data/synedrio.db, got %s", cfg.Store.Path)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("SYNEDRIO_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("SYNEDRIO_STORE_PATH", "/tmp/x.db")
	t.Setenv("SYNEDRIO_WEB_PASSWORD", "secret")
	t.Setenv("SYNEDRIO_WEB_PORT", "9090")
	t.Setenv("SYNEDRIO_MAX_ATTEMPTS", "5")
	t.Setenv("SYNEDRIO_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Path != "/tmp/x.db" {
		t.Errorf("expected store path override, got %s", cfg.Store.Path)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Workflow.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", cfg.Workflow.MaxAttempts)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
divisions:
  - id: research
    supervisor: head-research
  - id: trading
    supervisor: head-trading
workers:
  - id: head-research
    division: research
  - id: analyst
    division: research
    supervisor: head-research
    aliases: [ana, "market analyst"]
  - id: head-trading
    division: trading
  - id: trader
    division: trading
    supervisor: head-trading
    dormant: true
rubric:
  threshold: 3.5
  dimensions:
    - id: entry price
      weight: 2
      critical: true
      critical_floor: 1
      passing_floor: 3
      patterns: ["entry price"]
workflow:
  max_attempts: 4
  branch_timeout: 2m
web:
  port: 3000
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SYNEDRIO_CONFIG", cfgPath)
	t.Setenv("SYNEDRIO_MAX_ATTEMPTS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Divisions) != 2 {
		t.Errorf("expected 2 divisions, got %d", len(cfg.Divisions))
	}
	if len(cfg.Workers) != 4 {
		t.Fatalf("expected 4 workers, got %d", len(cfg.Workers))
	}
	if len(cfg.Workers[1].Aliases) != 2 {
		t.Errorf("expected 2 aliases, got %v", cfg.Workers[1].Aliases)
	}
	if !cfg.Workers[3].Dormant {
		t.Error("expected trader dormant")
	}
	if cfg.Rubric.Threshold != 3.5 {
		t.Errorf("expected threshold 3.5, got %v", cfg.Rubric.Threshold)
	}
	// Unset keys keep their defaults
	if cfg.Rubric.MaxScore != 5 {
		t.Errorf("expected default max score 5, got %v", cfg.Rubric.MaxScore)
	}
	if len(cfg.Rubric.Dimensions) != 1 || !cfg.Rubric.Dimensions[0].Critical {
		t.Errorf("expected one critical dimension, got %+v", cfg.Rubric.Dimensions)
	}
	if cfg.Workflow.MaxAttempts != 4 {
		t.Errorf("expected max attempts 4, got %d", cfg.Workflow.MaxAttempts)
	}
	if cfg.Workflow.BranchTimeout != 2*time.Minute {
		t.Errorf("expected branch timeout 2m, got %v", cfg.Workflow.BranchTimeout)
	}
	if cfg.Workflow.CompletionAttempts != 2 {
		t.Errorf("expected default completion attempts 2, got %d", cfg.Workflow.CompletionAttempts)
	}
	if cfg.Web.Port != 3000 || cfg.Web.Enabled {
		t.Errorf("unexpected web config %+v", cfg.Web)
	}

	dc := cfg.Directory()
	if len(dc.Workers) != 4 || len(dc.Divisions) != 2 {
		t.Errorf("unexpected directory config %+v", dc)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("workers: [:"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(cfgPath); err == nil {
		t.Fatal("expected parse error")
	}
}
