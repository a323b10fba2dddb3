package main

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/store"
)

const (
	runFileName  = "run.json"
	artifactsDir = "artifacts"
)

// bundleRun is one run read back from an export bundle.
type bundleRun struct {
	Run       *store.Run
	Artifacts []store.Artifact
}

func runExport(args []string) error {
	var outputPath, configPath, dbPath string
	var runIDs []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f", "-c", "-db", "-run":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for %s", args[i])
			}
			flag := args[i]
			i++
			switch flag {
			case "-f":
				outputPath = args[i]
			case "-c":
				configPath = args[i]
			case "-db":
				dbPath = args[i]
			case "-run":
				runIDs = append(runIDs, args[i])
			}
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: synedrio export -f <output.tar.zst> [-run <id>]... [-c <config>] [-db <path>]\n")
		return fmt.Errorf("missing -f flag")
	}

	if dbPath == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		dbPath = cfg.Store.Path
	}
	db, err := store.New(config.StoreConfig{Path: dbPath})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	runs, err := selectRuns(db, runIDs)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		slog.Warn("no runs found, creating empty bundle")
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	count, err := writeBundle(f, db, runs)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Export complete: %d runs, %d artifacts, %s\n", len(runs), count, formatSize(size))
	return nil
}

func selectRuns(db *store.Store, ids []string) ([]store.Run, error) {
	if len(ids) == 0 {
		runs, err := db.ListRuns(1000)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		return runs, nil
	}

	runs := make([]store.Run, 0, len(ids))
	for _, id := range ids {
		run, err := db.GetRun(id)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, fmt.Errorf("run %s not found", id)
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// writeBundle writes every run and its artifacts as a zstd-compressed tar and
// returns the number of artifacts written.
func writeBundle(w io.Writer, db *store.Store, runs []store.Run) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	for _, run := range runs {
		slog.Info("exporting run", "id", run.ID, "status", run.Status)
		if err := writeJSONEntry(tw, path.Join(run.ID, runFileName), run, run.StartedAt); err != nil {
			return count, err
		}

		arts, err := db.ListArtifacts(run.ID)
		if err != nil {
			return count, fmt.Errorf("list artifacts of %s: %w", run.ID, err)
		}
		for _, a := range arts {
			name := path.Join(run.ID, artifactsDir, artifactFileName(a))
			if err := writeJSONEntry(tw, name, a, a.CreatedAt); err != nil {
				return count, err
			}
			count++
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	return count, nil
}

func artifactFileName(a store.Artifact) string {
	name := fmt.Sprintf("%06d-%s", a.Seq, a.Step)
	if a.WorkerID != "" {
		name += "-" + a.WorkerID
	}
	return fmt.Sprintf("%s-v%d.json", name, a.Version)
}

func writeJSONEntry(tw *tar.Writer, name string, v any, modTime time.Time) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

// readBundle loads every run in an export bundle. Runs are returned in
// bundle order with artifacts sorted by sequence.
func readBundle(p string) ([]bundleRun, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	index := make(map[string]int)
	var runs []bundleRun

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		runID, rel := splitRunPath(hdr.Name)
		if runID == "" {
			slog.Warn("skipping unexpected bundle entry", "name", hdr.Name)
			continue
		}
		i, ok := index[runID]
		if !ok {
			i = len(runs)
			index[runID] = i
			runs = append(runs, bundleRun{})
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		switch {
		case rel == runFileName:
			var run store.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return nil, fmt.Errorf("decode %s: %w", hdr.Name, err)
			}
			runs[i].Run = &run
		case strings.HasPrefix(rel, artifactsDir+"/"):
			var a store.Artifact
			if err := json.Unmarshal(data, &a); err != nil {
				return nil, fmt.Errorf("decode %s: %w", hdr.Name, err)
			}
			runs[i].Artifacts = append(runs[i].Artifacts, a)
		}
	}

	for i := range runs {
		if runs[i].Run == nil {
			return nil, fmt.Errorf("bundle has artifacts without a run record")
		}
		sort.Slice(runs[i].Artifacts, func(a, b int) bool {
			return runs[i].Artifacts[a].Seq < runs[i].Artifacts[b].Seq
		})
	}
	return runs, nil
}

// splitRunPath splits "<run>/artifacts/x.json" into ("<run>", "artifacts/x.json").
// Returns an empty runID for entries outside a run directory.
func splitRunPath(name string) (runID, rel string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx <= 0 {
		return "", ""
	}

	runID = name[:idx]
	rel = path.Clean(name[idx+1:])
	if runID == ".." || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ""
	}
	return runID, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
