package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/synedrio/internal/completion"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/gate"
	"github.com/mtzanidakis/synedrio/internal/ipc"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/scheduler"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/mtzanidakis/synedrio/internal/web"
	"github.com/mtzanidakis/synedrio/internal/workflow"
)

func newEvaluator(cfg config.RubricConfig, svc completion.Service) (gate.Evaluator, error) {
	switch cfg.Evaluator {
	case "", "rules":
		return gate.NewRuleEvaluator(cfg.MaxScore), nil
	case "completion":
		if cfg.EvaluatorWorker == "" {
			return nil, fmt.Errorf("rubric.evaluator_worker is required for the completion evaluator")
		}
		return gate.NewCompletionEvaluator(svc, cfg.EvaluatorWorker, cfg.MaxScore), nil
	default:
		return nil, fmt.Errorf("unknown rubric evaluator %q", cfg.Evaluator)
	}
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	slog.Info("starting synedrio gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, rubric, err := buildRoster(cfg)
	if err != nil {
		return err
	}

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	if err := dir.Sync(db); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	// Completion backends answer on worker.<id>.complete
	svc := completion.NewNATS(client, cfg.Workflow.CompletionTimeout)

	eval, err := newEvaluator(cfg.Rubric, svc)
	if err != nil {
		return err
	}

	orch := workflow.New(db, dir, svc, gate.New(eval), rubric, cfg.Workflow, workflow.WithPublisher(client))

	// Host IPC
	ipcHandler := ipc.New(orch)
	if err := ipcHandler.Subscribe(client); err != nil {
		return err
	}
	defer ipcHandler.Close()

	// Scheduler
	sched := scheduler.New(db, orch, client, cfg.Scheduler)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(ctx)
	}()

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, orch, sched, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reload(cfg, db, svc, orch, sched)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	// Stop taking new runs, then let cancelled runs record their status
	// before the deferred closes release the store and bus.
	ipcHandler.Close()
	cancel()
	orch.Shutdown()
	<-schedDone
	orch.Wait()
	slog.Info("all runs finalised")
	return nil
}

// reload applies the reloadable parts of a changed config file. New runs
// pick up the changes; in-flight runs keep the snapshot they started with.
// It returns the config now in effect.
func reload(old *config.Config, db *store.Store, svc completion.Service, orch *workflow.Orchestrator, sched *scheduler.Scheduler) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return old
	}

	diff := config.Diff(old, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config field changed but requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return old
	}

	if diff.RosterChanged() || diff.RubricChanged {
		dir, rubric, err := buildRoster(next)
		if err != nil {
			slog.Error("config reload rejected", "error", err)
			return old
		}
		eval, err := newEvaluator(next.Rubric, svc)
		if err != nil {
			slog.Error("config reload rejected", "error", err)
			return old
		}
		if diff.RosterChanged() {
			if err := dir.Sync(db); err != nil {
				slog.Error("sync directory failed", "error", err)
				return old
			}
			orch.UpdateDirectory(dir)
			slog.Info("directory reloaded",
				"added", diff.WorkersAdded, "removed", diff.WorkersRemoved, "changed", diff.WorkersChanged)
		}
		if diff.RubricChanged {
			orch.UpdateRubric(gate.New(eval), rubric)
			slog.Info("rubric reloaded", "dimensions", len(rubric.Dimensions))
		}
	}
	if diff.WorkflowChanged {
		orch.UpdateWorkflow(next.Workflow)
		slog.Info("workflow policy reloaded", "max_attempts", next.Workflow.MaxAttempts)
	}
	if diff.SchedulerChanged {
		sched.UpdateConfig(next.Scheduler.PollInterval)
	}
	return next
}
