// cmd/send.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	jobType    string
	jobID      string
	payload    string
	count      int
	maxRetries uint32
	priority   string
}

var sendOpts sendOptions

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Enqueue jobs on the configured stream",
	Long: `Enqueue one or more jobs. Each job is a JSON envelope:

  {"id": "...", "type": "...", "retry_count": 0, "priority": "normal",
   "created_at": "...", "payload": {...}}

With --count greater than one the jobs are sent as a single batch and each
gets its own id.`,
	Example: `  # Send one job with a JSON payload
  streamworker send --type email --payload '{"to":"a@example.com"}'

  # Read the payload from stdin
  echo '{"simulate":"transient"}' | streamworker send --payload -

  # Send 100 jobs to NATS
  streamworker send --backend nats --count 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}
		if sendOpts.payload == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading payload from stdin: %w", err)
			}
			sendOpts.payload = string(data)
		}
		jobs, err := buildJobs(sendOpts)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		be, err := openBackend(ctx, cfg, "", cliLogger())
		if err != nil {
			return err
		}
		defer be.close()

		ids, err := sendJobs(ctx, be.publisher, jobs)
		for i, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", jobs[i].ID, id)
		}
		if err != nil {
			return err
		}
		goodColor.Fprintf(cmd.ErrOrStderr(), "Sent %d job(s) to %s\n", len(ids), be.stream)
		return nil
	},
}

// buildJobs turns the flags into envelopes. A single job keeps --id; a
// batch derives "<id>-<n>" ids so every job is distinct.
func buildJobs(opts sendOptions) ([]worker.Envelope, error) {
	if opts.count <= 0 {
		return nil, fmt.Errorf("--count must be positive")
	}

	payload := strings.TrimSpace(opts.payload)
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("--payload is not valid JSON")
	}

	var prio worker.Priority
	if err := prio.UnmarshalText([]byte(opts.priority)); err != nil {
		return nil, err
	}

	baseID := opts.jobID
	if baseID == "" {
		baseID = uuid.New().String()
	}

	now := time.Now().UTC()
	jobs := make([]worker.Envelope, opts.count)
	for i := range jobs {
		id := baseID
		if opts.count > 1 {
			id = fmt.Sprintf("%s-%d", baseID, i+1)
		}
		jobs[i] = worker.Envelope{
			ID:        id,
			Type:      opts.jobType,
			Limit:     opts.maxRetries,
			Prio:      prio,
			CreatedAt: now,
			Payload:   json.RawMessage(payload),
		}
	}
	return jobs, nil
}

func sendJobs(ctx context.Context, pub worker.Publisher, jobs []worker.Envelope) ([]string, error) {
	producer := worker.NewProducer[worker.Envelope](pub)
	if err := producer.EnsureStream(ctx); err != nil {
		return nil, err
	}
	if len(jobs) == 1 {
		id, err := producer.Send(ctx, jobs[0])
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}
	return producer.SendBatch(ctx, jobs)
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendOpts.jobType, "type", "", "Job type label")
	sendCmd.Flags().StringVar(&sendOpts.jobID, "id", "", "Job id (default: random UUID)")
	sendCmd.Flags().StringVar(&sendOpts.payload, "payload", "{}", "JSON payload, or - to read stdin")
	sendCmd.Flags().IntVar(&sendOpts.count, "count", 1, "Number of jobs to send")
	sendCmd.Flags().Uint32Var(&sendOpts.maxRetries, "max-retries", 0, "Retry ceiling for the job (default 3)")
	sendCmd.Flags().StringVar(&sendOpts.priority, "priority", "normal", "Priority: low, normal, high or critical")
}
