// cmd/info.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/aceteam-ai/streamworker/internal/heartbeat"
	"github.com/aceteam-ai/streamworker/internal/status"
	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/fatih/color"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
	noColor     bool // Flag to disable color
	infoJSON    bool
	infoSystem  bool
	infoWorkers bool
)

var infoCmd = &cobra.Command{
	Use:     "info",
	Aliases: []string{"status", "st"},
	Short:   "Show stream depth, pending work and dead-letter depth",
	Example: `  # Depth of jobs:email on Redis
  streamworker info --topic email

  # Include host CPU and memory, without colors
  streamworker info --system --no-color

  # List the workers that announced themselves recently
  streamworker info --workers`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		be, err := openBackend(ctx, cfg, "", cliLogger())
		if err != nil {
			return err
		}
		defer be.close()

		info, err := be.info.Info(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stream info: %w", err)
		}
		var live []*status.WorkerStatus
		if infoWorkers {
			registry, err := be.presence(ctx, 3*cfg.HeartbeatInterval)
			if err != nil {
				return fmt.Errorf("failed to open worker registry: %w", err)
			}
			if live, err = heartbeat.Live(ctx, registry); err != nil {
				return fmt.Errorf("failed to list workers: %w", err)
			}
		}

		if infoJSON {
			if infoWorkers {
				return writeIndented(cmd.OutOrStdout(), map[string]any{"stream": info, "workers": live})
			}
			return writeIndented(cmd.OutOrStdout(), info)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()
		printStreamInfo(w, info)
		if infoWorkers {
			headerColor.Fprintln(w, "\nWORKERS")
			printWorkers(w, live)
		}
		if infoSystem {
			headerColor.Fprintln(w, "\nSYSTEM")
			printMemInfo(w)
			printCPUInfo(w)
		}
		return nil
	},
}

func printStreamInfo(w io.Writer, info *worker.StreamInfo) {
	headerColor.Fprintf(w, "--- %s (%s) ---\n", info.Stream, info.Backend)
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Depth"), info.Depth)
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Pending"), info.Pending)
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Lag"), info.Lag)
	if info.Delayed > 0 {
		fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Delayed"), info.Delayed)
	}
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Dead letters"), colorizeCount(info.DLQDepth))
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("DLQ stream"), info.DLQStream)
}

func printWorkers(w io.Writer, live []*status.WorkerStatus) {
	if len(live) == 0 {
		fmt.Fprintln(w, "  No live workers.")
		return
	}
	fmt.Fprintln(w, "  "+labelColor.Sprint("ID")+"\tSTATE\tIN FLIGHT\tPROCESSOR\tHOST\tUPTIME\tSEEN")
	for _, s := range live {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.Worker.ID,
			colorizeState(s.Worker.State),
			s.Worker.InFlight,
			orDash(s.Worker.Processor),
			orDash(s.Worker.Hostname),
			(time.Duration(s.Worker.UptimeSeconds) * time.Second).String(),
			s.Timestamp.Local().Format(time.TimeOnly),
		)
	}
}

func colorizeState(state string) string {
	switch state {
	case "running":
		return goodColor.Sprint(state)
	case "draining":
		return warnColor.Sprint(state)
	case "stopped":
		return badColor.Sprint(state)
	default:
		return state
	}
}

func colorizeCount(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n > 0 {
		return warnColor.Sprint(s)
	}
	return goodColor.Sprint(s)
}

func printMemInfo(w io.Writer) {
	v, err := mem.VirtualMemory()
	if err != nil {
		fmt.Fprintf(w, "  Memory:\t%s\n", badColor.Sprintf("Error getting memory info: %v", err))
		return
	}
	percentStr := colorizePercent(v.UsedPercent)
	fmt.Fprintf(w, "  %s:\t%s (%s / %s)\n", labelColor.Sprint("Memory"), percentStr, formatBytes(v.Used), formatBytes(v.Total))
}

func printCPUInfo(w io.Writer) {
	percentages, err := cpu.Percent(time.Second, false)
	if err != nil || len(percentages) == 0 {
		fmt.Fprintf(w, "  CPU:\t%s\n", badColor.Sprintf("Error getting CPU info: %v", err))
		return
	}
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("CPU"), colorizePercent(percentages[0]))
}

func colorizePercent(p float64) string {
	s := fmt.Sprintf("%.1f%%", p)
	if p > 90.0 {
		return badColor.Sprint(s)
	}
	if p > 75.0 {
		return warnColor.Sprint(s)
	}
	return goodColor.Sprint(s)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Print stream info as JSON")
	infoCmd.Flags().BoolVar(&infoSystem, "system", false, "Include host CPU and memory")
	infoCmd.Flags().BoolVar(&infoWorkers, "workers", false, "List live workers from their heartbeats")
}
