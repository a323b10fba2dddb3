package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/ipc"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 10 * time.Second

func sendIPC(natsURL, caller string, cmd ipc.Command) (*ipc.Response, error) {
	client, err := natsbus.NewClientFromURL(natsURL, nats.Name("synctl"), nats.Timeout(requestTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var resp ipc.Response
	if err := client.RequestJSON(ctx, natsbus.TopicIPC(caller), cmd, &resp); err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}
	return &resp, nil
}

func newCommand(typ string, payload any) (ipc.Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ipc.Command{}, fmt.Errorf("marshal payload: %w", err)
	}
	return ipc.Command{Type: typ, Payload: data}, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  synctl start --prompt "..." --subordinates "a,b" [--coordinator "..."]`)
	fmt.Fprintln(os.Stderr, `  synctl status --id "..."`)
	fmt.Fprintln(os.Stderr, `  synctl cancel --id "..."`)
	fmt.Fprintln(os.Stderr, `  synctl warnings [--worker "..."] [--history true]`)
	os.Exit(1)
}

// run executes one command against the gateway and prints the result to w.
func run(w io.Writer, natsURL, caller, command string, rest []string) error {
	args := parseArgs(rest)

	var cmd ipc.Command
	var err error
	switch command {
	case "start":
		if args["prompt"] == "" || args["subordinates"] == "" {
			return fmt.Errorf("--prompt and --subordinates are required")
		}
		cmd, err = newCommand(ipc.CmdStartRun, ipc.StartRunPayload{
			Coordinator:  args["coordinator"],
			Prompt:       args["prompt"],
			Subordinates: splitList(args["subordinates"]),
		})
	case "status", "cancel":
		if args["id"] == "" {
			return fmt.Errorf("--id is required")
		}
		typ := ipc.CmdRunStatus
		if command == "cancel" {
			typ = ipc.CmdCancelRun
		}
		cmd, err = newCommand(typ, ipc.RunPayload{ID: args["id"]})
	case "warnings":
		cmd, err = newCommand(ipc.CmdListWarnings, ipc.WarningsPayload{
			Worker:  args["worker"],
			History: args["history"] == "true",
		})
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	if err != nil {
		return err
	}

	resp, err := sendIPC(natsURL, caller, cmd)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}

	switch command {
	case "start":
		fmt.Fprintf(w, "Run started: %s\n", resp.ID)
	case "status":
		if resp.Run == nil {
			return fmt.Errorf("no run in response")
		}
		fmt.Fprintf(w, "%s  [%s]  reworks=%d", resp.Run.ID, resp.Run.Status, resp.Run.ReworkCount)
		if resp.State != "" {
			fmt.Fprintf(w, "  state=%s", resp.State)
		}
		fmt.Fprintln(w)
		if resp.Run.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", resp.Run.Error)
		}
	case "cancel":
		fmt.Fprintln(w, "Run cancelled.")
	case "warnings":
		if len(resp.Warnings) == 0 {
			fmt.Fprintln(w, "No warnings found.")
			return nil
		}
		for _, wn := range resp.Warnings {
			fmt.Fprintf(w, "  %s  %s  [%s]  %s\n", wn.ID, wn.WorkerID, wn.Category, wn.Text)
		}
	}
	return nil
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	caller := os.Getenv("SYNEDRIO_CALLER")
	if caller == "" {
		caller = "default"
	}

	if len(os.Args) < 2 {
		usage()
	}

	if err := run(os.Stdout, natsURL, caller, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
