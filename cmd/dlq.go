// cmd/dlq.go
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/spf13/cobra"
)

var (
	dlqLimit int
	dlqJSON  bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered jobs",
	Long: `Jobs that exhaust their retries, or fail permanently, are moved to the
dead-letter stream of their domain. These commands list, inspect, replay and
delete those entries. Replay re-enqueues the original payload on its source
stream with retry_count reset to 0.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(func(ctx context.Context, store worker.DeadLetterStore) error {
			entries, err := store.List(ctx, dlqLimit)
			if err != nil {
				return err
			}
			if dlqJSON {
				return writeIndented(cmd.OutOrStdout(), entries)
			}
			printDLQList(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

var dlqPeekCmd = &cobra.Command{
	Use:   "peek <id>",
	Short: "Show one dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(func(ctx context.Context, store worker.DeadLetterStore) error {
			entry, err := store.Peek(ctx, args[0])
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), entry)
		})
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <id>...",
	Short: "Re-enqueue dead-lettered jobs on their source stream",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(func(ctx context.Context, store worker.DeadLetterStore) error {
			return eachEntry(cmd.OutOrStdout(), args, func(id string) (string, error) {
				newID, err := store.Replay(ctx, id)
				if err != nil {
					return "", err
				}
				return "replayed as " + newID, nil
			})
		})
	},
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete dead-lettered jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(func(ctx context.Context, store worker.DeadLetterStore) error {
			return eachEntry(cmd.OutOrStdout(), args, func(id string) (string, error) {
				if err := store.Delete(ctx, id); err != nil {
					return "", err
				}
				return "deleted", nil
			})
		})
	},
}

// withDLQ connects to the configured backend and hands its dead-letter
// store to fn.
func withDLQ(fn func(ctx context.Context, store worker.DeadLetterStore) error) error {
	cfg, err := loadConfig("")
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
	return fn(ctx, be.dlq)
}

// eachEntry applies op to every id, printing one line per id. It keeps going
// after a failure and reports how many failed.
func eachEntry(w io.Writer, ids []string, op func(id string) (string, error)) error {
	failed := 0
	for _, id := range ids {
		msg, err := op(id)
		if err != nil {
			failed++
			if errors.Is(err, worker.ErrEntryNotFound) {
				fmt.Fprintf(w, "%s\t%s\n", id, badColor.Sprint("not found"))
			} else {
				fmt.Fprintf(w, "%s\t%s\n", id, badColor.Sprintf("error: %v", err))
			}
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", id, goodColor.Sprint(msg))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries failed", failed, len(ids))
	}
	return nil
}

func printDLQList(w io.Writer, entries []*worker.DeadLetter) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No dead-lettered jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, labelColor.Sprint("ID")+"\tJOB ID\tTYPE\tCATEGORY\tRETRIES\tFAILED AT\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID,
			e.JobID,
			orDash(e.JobType),
			colorizeCategory(e.Category),
			e.RetryCount,
			e.FailedAt.Local().Format(time.DateTime),
			shorten(e.Error, 60),
		)
	}
	tw.Flush()
}

func colorizeCategory(c string) string {
	switch c {
	case "permanent", "serialisation":
		return badColor.Sprint(c)
	case "rate_limited":
		return warnColor.Sprint(c)
	default:
		return c
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqPeekCmd, dlqReplayCmd, dlqDeleteCmd)

	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "Maximum entries to list")
	dlqListCmd.Flags().BoolVar(&dlqJSON, "json", false, "Print entries as JSON")
}
