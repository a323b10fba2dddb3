package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/directory"
	"github.com/mtzanidakis/synedrio/internal/gate"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("synedrio %s\n", version)
	case "gateway":
		err = runGateway()
	case "validate":
		err = runValidate(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: synedrio <command>

Commands:
  gateway    Start the orchestration gateway
  validate   Check a config file [-c <path>]
  export     Bundle run artifacts -f <out.tar.zst> [-run <id>]... [-c <path>]
  inspect    Print the decision trail of a bundle -f <bundle.tar.zst> [-run <id>]
  version    Print version
`)
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the config at path, or the default location when empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// buildRoster validates the roster and rubric sections of cfg.
func buildRoster(cfg *config.Config) (*directory.Directory, gate.Rubric, error) {
	dir, err := directory.New(cfg.Directory())
	if err != nil {
		return nil, gate.Rubric{}, fmt.Errorf("directory: %w", err)
	}
	rubric, err := gate.NewRubric(cfg.Rubric)
	if err != nil {
		return nil, gate.Rubric{}, fmt.Errorf("rubric: %w", err)
	}
	return dir, rubric, nil
}

func runValidate(args []string) error {
	var path string
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -c")
			}
			i++
			path = args[i]
		}
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	dir, rubric, err := buildRoster(cfg)
	if err != nil {
		return err
	}
	switch cfg.Rubric.Evaluator {
	case "", "rules":
	case "completion":
		if _, err := dir.Resolve(cfg.Rubric.EvaluatorWorker); err != nil {
			return fmt.Errorf("rubric evaluator_worker: %w", err)
		}
	default:
		return fmt.Errorf("unknown rubric evaluator %q", cfg.Rubric.Evaluator)
	}

	fmt.Printf("Config OK: %d divisions, %d workers, %d rubric dimensions\n",
		len(dir.Divisions()), len(dir.Workers()), len(rubric.Dimensions))
	return nil
}
