package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/synedrio/internal/directory"
	"github.com/mtzanidakis/synedrio/internal/router"
	"github.com/mtzanidakis/synedrio/internal/schedule"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/mtzanidakis/synedrio/internal/workflow"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.startRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.cancelRun)
	mux.HandleFunc("GET /api/runs/{id}/artifacts", s.getRunArtifacts)
	mux.HandleFunc("GET /api/runs/{id}/trail", s.getRunTrail)

	// Workers and their learned warnings
	mux.HandleFunc("GET /api/workers", s.listWorkers)
	mux.HandleFunc("GET /api/workers/{id}/warnings", s.getWorkerWarnings)

	// Scheduled runs
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	jsonResponse(w, runs)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CoordinatorID == "" || req.Prompt == "" {
		jsonError(w, "coordinator and prompt are required", http.StatusBadRequest)
		return
	}

	run, err := s.orch.Start(req)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, directory.ErrUnknownWorker) {
			code = http.StatusNotFound
		} else if errors.Is(err, router.ErrDormantTarget) {
			code = http.StatusConflict
		} else if errors.Is(err, workflow.ErrShuttingDown) {
			code = http.StatusServiceUnavailable
		}
		jsonError(w, err.Error(), code)
		return
	}
	w.Header().Set("Location", "/api/runs/"+run.ID)
	jsonStatus(w, run, http.StatusAccepted)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.orch.Status(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}

	out := map[string]any{"run": run}
	if state, ok := s.orch.State(id); ok {
		out["state"] = state
	}
	jsonResponse(w, out)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		if errors.Is(err, workflow.ErrRunNotActive) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonStatus(w, map[string]string{"status": "cancelling"}, http.StatusAccepted)
}

func (s *Server) getRunArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.store.ListArtifacts(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if arts == nil {
		arts = []store.Artifact{}
	}
	jsonResponse(w, arts)
}

func (s *Server) getRunTrail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	trail, err := s.orch.Trail(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, trail)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	dir := s.orch.Directory()
	workers := dir.Workers()

	out := make([]map[string]any, 0, len(workers))
	for _, wk := range workers {
		active, err := s.orch.Learning().WarningsFor(r.Context(), wk.ID)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, map[string]any{
			"id":              wk.ID,
			"division_id":     wk.DivisionID,
			"supervisor_id":   wk.SupervisorID,
			"supervisor":      dir.IsSupervisor(wk.ID),
			"dormant":         wk.Dormant,
			"description":     wk.Description,
			"active_warnings": len(active),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getWorkerWarnings(w http.ResponseWriter, r *http.Request) {
	id, err := s.orch.Directory().Canonical(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}

	lrn := s.orch.Learning()
	warnings, err := lrn.WarningsFor(r.Context(), id)
	if r.URL.Query().Get("history") != "" {
		warnings, err = lrn.History(r.Context(), id)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"worker_id": id, "warnings": warnings})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListScheduledRuns()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, sr := range runs {
		out = append(out, scheduleToAPI(sr))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string   `json:"name"`
		Schedule     string   `json:"schedule"`
		Coordinator  string   `json:"coordinator"`
		Subordinates []string `json:"subordinates"`
		Prompt       string   `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	dir := s.orch.Directory()
	for _, id := range append([]string{body.Coordinator}, body.Subordinates...) {
		if _, err := dir.Resolve(id); err != nil {
			jsonError(w, fmt.Sprintf("%s: %v", id, err), http.StatusBadRequest)
			return
		}
	}

	subs, _ := json.Marshal(body.Subordinates)
	sr := &store.ScheduledRun{
		Name:          body.Name,
		Schedule:      body.Schedule,
		CoordinatorID: body.Coordinator,
		Subordinates:  subs,
		Prompt:        body.Prompt,
	}
	if err := s.sched.Add(sr); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonStatus(w, scheduleToAPI(*sr), http.StatusCreated)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		jsonError(w, "enabled is required", http.StatusBadRequest)
		return
	}

	status := "paused"
	if *body.Enabled {
		status = "active"
	}
	if err := s.sched.SetStatus(id, status); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sr, err := s.store.GetScheduledRun(id)
	if err != nil || sr == nil {
		jsonError(w, "scheduled run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, scheduleToAPI(*sr))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteScheduledRun(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	runs, _ := s.store.ListRuns(100)
	counts := make(map[string]int)
	for _, run := range runs {
		counts[run.Status]++
	}

	schedules, _ := s.store.ListScheduledRuns()
	activeSchedules := 0
	for _, sr := range schedules {
		if sr.Status == "active" {
			activeSchedules++
		}
	}

	natsStatus := "disabled"
	if s.bus != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":           "ok",
		"active_runs":      s.orch.Active(),
		"recent_runs":      counts,
		"workers":          len(s.orch.Directory().Workers()),
		"active_schedules": activeSchedules,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"nats":             natsStatus,
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	})
}

func scheduleToAPI(sr store.ScheduledRun) map[string]any {
	m := map[string]any{
		"id":               sr.ID,
		"name":             sr.Name,
		"schedule":         sr.Schedule,
		"schedule_display": schedule.Describe(sr.Schedule),
		"coordinator":      sr.CoordinatorID,
		"subordinates":     sr.Subordinates,
		"prompt":           sr.Prompt,
		"enabled":          sr.Status == "active",
		"status":           sr.Status,
	}
	if sr.LastRunAt != nil {
		m["last_run_at"] = sr.LastRunAt.UTC()
	}
	if sr.NextRunAt != nil {
		m["next_run_at"] = sr.NextRunAt.UTC()
	}
	if sr.LastRunID != "" {
		m["last_run_id"] = sr.LastRunID
		m["last_status"] = sr.LastStatus
	}
	if sr.LastError != "" {
		m["last_error"] = sr.LastError
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, data, http.StatusOK)
}

func jsonStatus(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, map[string]string{"error": msg}, code)
}
