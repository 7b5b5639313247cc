// Package jobs contains the built-in processors a worker can run without
// custom code. Each one consumes worker.Envelope jobs.
package jobs

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aceteam-ai/streamworker/internal/worker"
)

// Processor is the job-agnostic processor shape the built-ins implement.
type Processor = worker.Processor[worker.Envelope]

// Options configures the built-in processors.
type Options struct {
	// WebhookURL is where the webhook processor posts jobs.
	WebhookURL string

	// WebhookHealthURL is polled by the readiness probe; empty disables it.
	WebhookHealthURL string

	Logger *slog.Logger
}

// New returns the built-in processor called name.
func New(name string, opts Options) (Processor, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch name {
	case "log":
		return NewLogProcessor(opts.Logger), nil
	case "shell":
		return NewShellProcessor(opts.Logger), nil
	case "webhook":
		if opts.WebhookURL == "" {
			return nil, fmt.Errorf("webhook processor needs a URL")
		}
		return NewWebhookProcessor(opts.WebhookURL, opts.WebhookHealthURL, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown processor %q (available: %s)", name, strings.Join(Names(), ", "))
	}
}

// Names lists the built-in processors.
func Names() []string {
	names := []string{"log", "shell", "webhook"}
	sort.Strings(names)
	return names
}
