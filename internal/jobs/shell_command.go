package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
)

// maxOutput caps how much command output is logged and carried in errors.
const maxOutput = 4096

// ShellProcessor runs the command named in the payload:
//
//	{"command": "echo hello", "timeout": "30s"}
//
// The command is split on whitespace and run without a shell. A missing
// binary or malformed payload is permanent; a non-zero exit is transient.
type ShellProcessor struct {
	log *slog.Logger
}

func NewShellProcessor(logger *slog.Logger) *ShellProcessor {
	return &ShellProcessor{log: logger}
}

func (p *ShellProcessor) Name() string { return "shell" }

type shellPayload struct {
	Command string `json:"command"`
	Timeout string `json:"timeout"`
}

func (p *ShellProcessor) Process(ctx context.Context, job worker.Envelope) error {
	var payload shellPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return worker.Permanentf("invalid shell payload: %v", err)
	}
	parts := strings.Fields(payload.Command)
	if len(parts) == 0 {
		return worker.Permanentf("job payload missing 'command' field")
	}

	if payload.Timeout != "" {
		d, err := time.ParseDuration(payload.Timeout)
		if err != nil {
			return worker.Permanentf("invalid timeout %q: %v", payload.Timeout, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	p.log.Info("running shell command", "job_id", job.ID, "command", payload.Command)
	out, err := exec.CommandContext(ctx, parts[0], parts[1:]...).CombinedOutput()
	output := truncate(string(out))

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.log.Info("shell command succeeded", "job_id", job.ID, "output", output)
		return nil
	case errors.Is(err, exec.ErrNotFound):
		return worker.Permanent(fmt.Errorf("command %q not found: %w", parts[0], err))
	case ctx.Err() != nil:
		return worker.Transient(fmt.Errorf("command timed out: %w", ctx.Err()))
	case errors.As(err, &exitErr):
		return worker.Transientf("command exited with code %d: %s", exitErr.ExitCode(), output)
	default:
		return worker.Transient(fmt.Errorf("running command: %w", err))
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return s[:maxOutput] + "..."
	}
	return s
}
