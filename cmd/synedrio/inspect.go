package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/workflow"
)

func runInspect(args []string) error {
	var inputPath, runID string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-run":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -run")
			}
			i++
			runID = args[i]
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: synedrio inspect -f <bundle.tar.zst> [-run <id>]\n")
		return fmt.Errorf("missing -f flag")
	}

	runs, err := readBundle(inputPath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}

	shown := 0
	for _, br := range runs {
		if runID != "" && br.Run.ID != runID {
			continue
		}
		trail, err := workflow.Replay(br.Run.ID, br.Artifacts)
		if err != nil {
			return fmt.Errorf("replay %s: %w", br.Run.ID, err)
		}
		printTrail(os.Stdout, br, trail)
		shown++
	}
	if runID != "" && shown == 0 {
		return fmt.Errorf("run %s not in bundle", runID)
	}
	return nil
}

func printTrail(w io.Writer, br bundleRun, trail *workflow.Trail) {
	run := br.Run
	fmt.Fprintf(w, "Run %s  [%s]  coordinator=%s  reworks=%d\n", run.ID, run.Status, run.CoordinatorID, run.ReworkCount)
	fmt.Fprintf(w, "  prompt: %s\n", firstLine(run.Prompt))
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
	for _, e := range trail.Entries {
		worker := e.WorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "  %4d  %-15s %-12s v%d  %s\n", e.Seq, e.Step, worker, e.Version, e.Summary)
	}
	fmt.Fprintf(w, "  gate rounds: %d, last state: %s\n", trail.GateRounds, trail.LastState)
	if trail.Final != "" {
		fmt.Fprintf(w, "  final: %s\n", firstLine(trail.Final))
	}
	fmt.Fprintln(w)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
