package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// NATS sends completion requests to worker.<id>.complete and waits for the
// backend's reply.
type NATS struct {
	client  *natsbus.Client
	timeout time.Duration
}

func NewNATS(client *natsbus.Client, timeout time.Duration) *NATS {
	return &NATS{client: client, timeout: timeout}
}

func (n *NATS) Complete(ctx context.Context, req Request) (Result, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	var res Result
	err := n.client.RequestJSON(ctx, natsbus.TopicWorkerComplete(req.WorkerID), req, &res)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return Result{ErrorKind: "timeout"}, fmt.Errorf("complete %s: %w", req.WorkerID, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return Result{}, err
	default:
		return Result{ErrorKind: "transport"}, fmt.Errorf("complete %s: %w: %v", req.WorkerID, ErrFailure, err)
	}

	if !res.Success {
		return res, fmt.Errorf("complete %s: %w: %s", req.WorkerID, ErrFailure, res.ErrorKind)
	}
	return res, nil
}

// Serve answers completion requests for workerID with svc. It is how an
// in-process backend attaches itself to the bus.
func Serve(client *natsbus.Client, workerID string, svc Service) (*nats.Subscription, error) {
	return client.Subscribe(natsbus.TopicWorkerComplete(workerID), func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("invalid completion request", "worker", workerID, "error", err)
			respond(msg, Result{ErrorKind: "bad_request"})
			return
		}

		res, err := svc.Complete(context.Background(), req)
		if err != nil {
			slog.Warn("completion backend failed", "worker", workerID, "task", req.TaskID, "error", err)
			if res.ErrorKind == "" {
				res.ErrorKind = err.Error()
			}
			res.Success = false
		}
		respond(msg, res)
	})
}

func respond(msg *nats.Msg, res Result) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("completion respond failed", "error", err)
	}
}
