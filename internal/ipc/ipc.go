// Package ipc answers host commands sent over NATS on host.ipc.<caller>.
// The caller id in the subject is the default coordinator or worker for
// commands that need one.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/learning"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/router"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/mtzanidakis/synedrio/internal/workflow"
	"github.com/nats-io/nats.go"
)

const (
	CmdStartRun     = "start_run"
	CmdRunStatus    = "run_status"
	CmdCancelRun    = "cancel_run"
	CmdListWarnings = "list_warnings"
)

type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK       bool               `json:"ok,omitempty"`
	Error    string             `json:"error,omitempty"`
	ID       string             `json:"id,omitempty"`
	Run      *store.Run         `json:"run,omitempty"`
	State    string             `json:"state,omitempty"`
	Warnings []learning.Warning `json:"warnings,omitempty"`
}

type StartRunPayload struct {
	Coordinator  string   `json:"coordinator,omitempty"`
	Prompt       string   `json:"prompt"`
	Subordinates []string `json:"subordinates"`
}

type RunPayload struct {
	ID string `json:"id"`
}

type WarningsPayload struct {
	Worker  string `json:"worker,omitempty"`
	History bool   `json:"history,omitempty"`
}

type Handler struct {
	orch *workflow.Orchestrator
	sub  *nats.Subscription
}

func New(orch *workflow.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Subscribe starts answering commands on every host.ipc subject.
func (h *Handler) Subscribe(client *natsbus.Client) error {
	sub, err := client.Subscribe(natsbus.TopicIPCAll, h.handle)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	h.sub = sub
	return nil
}

func (h *Handler) Close() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}
}

func (h *Handler) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respond(msg, Response{Error: "invalid command"})
		return
	}

	caller := strings.TrimPrefix(msg.Subject, "host.ipc.")
	slog.Info("IPC command received", "type", cmd.Type, "caller", caller)

	respond(msg, h.Dispatch(caller, cmd))
}

// Dispatch executes one command on behalf of caller.
func (h *Handler) Dispatch(caller string, cmd Command) Response {
	switch cmd.Type {
	case CmdStartRun:
		return h.startRun(caller, cmd.Payload)
	case CmdRunStatus:
		return h.runStatus(cmd.Payload)
	case CmdCancelRun:
		return h.cancelRun(cmd.Payload)
	case CmdListWarnings:
		return h.listWarnings(caller, cmd.Payload)
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		return Response{Error: "unknown command: " + cmd.Type}
	}
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

func (h *Handler) startRun(caller string, payload json.RawMessage) Response {
	var req StartRunPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Error: "invalid payload"}
	}
	if req.Coordinator == "" {
		req.Coordinator = caller
	}
	if len(req.Subordinates) == 0 {
		// "@worker text" addresses a single subordinate.
		id, text, err := router.New(h.orch.Directory()).ParseAddress(req.Prompt)
		if err != nil {
			return Response{Error: err.Error()}
		}
		if id != "" {
			req.Subordinates = []string{id}
			req.Prompt = text
		}
	}
	if req.Prompt == "" {
		return Response{Error: "prompt is required"}
	}

	run, err := h.orch.Start(workflow.Request{
		CoordinatorID: req.Coordinator,
		Prompt:        req.Prompt,
		Subordinates:  req.Subordinates,
	})
	if err != nil {
		return Response{Error: fmt.Sprintf("start failed: %v", err)}
	}

	slog.Info("run started via IPC", "run", run.ID, "coordinator", req.Coordinator)
	return Response{OK: true, ID: run.ID, Run: run}
}

func (h *Handler) runStatus(payload json.RawMessage) Response {
	var req RunPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		return Response{Error: "id is required"}
	}
	run, err := h.orch.Status(req.ID)
	if err != nil {
		return Response{Error: fmt.Sprintf("status failed: %v", err)}
	}
	if run == nil {
		return Response{Error: "run not found: " + req.ID}
	}
	resp := Response{OK: true, ID: run.ID, Run: run}
	if state, ok := h.orch.State(run.ID); ok {
		resp.State = string(state)
	}
	return resp
}

func (h *Handler) cancelRun(payload json.RawMessage) Response {
	var req RunPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		return Response{Error: "id is required"}
	}
	if err := h.orch.Cancel(req.ID); err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, ID: req.ID}
}

func (h *Handler) listWarnings(caller string, payload json.RawMessage) Response {
	var req WarningsPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return Response{Error: "invalid payload"}
		}
	}
	if req.Worker == "" {
		req.Worker = caller
	}
	id, err := h.orch.Directory().Canonical(req.Worker)
	if err != nil {
		return Response{Error: err.Error()}
	}

	lrn := h.orch.Learning()
	var warnings []learning.Warning
	if req.History {
		warnings, err = lrn.History(context.Background(), id)
	} else {
		warnings, err = lrn.WarningsFor(context.Background(), id)
	}
	if err != nil {
		return Response{Error: fmt.Sprintf("list failed: %v", err)}
	}
	return Response{OK: true, ID: id, Warnings: warnings}
}
