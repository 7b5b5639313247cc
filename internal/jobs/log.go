package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
)

// LogProcessor logs every job and succeeds. A payload can ask it to fail or
// stall, which makes it useful for exercising retry and dead-letter paths:
//
//	{"simulate": "transient" | "permanent" | "rate_limited" | "panic", "sleep": "250ms"}
type LogProcessor struct {
	log *slog.Logger
}

func NewLogProcessor(logger *slog.Logger) *LogProcessor {
	return &LogProcessor{log: logger}
}

func (p *LogProcessor) Name() string { return "log" }

type simulation struct {
	Simulate string `json:"simulate"`
	Sleep    string `json:"sleep"`
}

func (p *LogProcessor) Process(ctx context.Context, job worker.Envelope) error {
	attrs := []any{"job_id", job.ID, "job_type", job.JobType(), "retry_count", job.Retries}
	if ev, ok := worker.EventFrom[worker.Envelope](ctx); ok {
		attrs = append(attrs, "message_id", ev.MessageID, "delivery_count", ev.DeliveryCount)
	}
	p.log.Info("processing job", attrs...)

	var sim simulation
	if len(job.Payload) > 0 {
		// Non-object payloads are fine; they just can't simulate anything.
		_ = json.Unmarshal(job.Payload, &sim)
	}

	if sim.Sleep != "" {
		d, err := time.ParseDuration(sim.Sleep)
		if err != nil {
			return worker.Permanentf("invalid sleep %q: %v", sim.Sleep, err)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return worker.Transient(ctx.Err())
		}
	}

	switch sim.Simulate {
	case "":
		return nil
	case "transient":
		return worker.Transientf("simulated transient failure")
	case "permanent":
		return worker.Permanentf("simulated permanent failure")
	case "rate_limited":
		return worker.RateLimitedf("simulated rate limit")
	case "panic":
		panic("simulated panic")
	default:
		return worker.Permanent(fmt.Errorf("unknown simulation %q", sim.Simulate))
	}
}
