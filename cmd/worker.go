// cmd/worker.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aceteam-ai/streamworker/internal/config"
	"github.com/aceteam-ai/streamworker/internal/heartbeat"
	"github.com/aceteam-ai/streamworker/internal/jobs"
	"github.com/aceteam-ai/streamworker/internal/logging"
	"github.com/aceteam-ai/streamworker/internal/metrics"
	"github.com/aceteam-ai/streamworker/internal/shutdown"
	"github.com/aceteam-ai/streamworker/internal/status"
	"github.com/aceteam-ai/streamworker/internal/usage"
	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	processorName    string
	serviceName      string
	webhookURL       string
	webhookHealthURL string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker that consumes jobs from the configured stream",
	Long: `Run a long-lived worker process.

The worker joins the shared consumer group for WORKER_DOMAIN/WORKER_TOPIC,
processes jobs with one of the built-in processors and serves health,
metrics and dead-letter administration on HEALTH_PORT.

SIGINT or SIGTERM stops fetching and waits up to DRAIN_TIMEOUT for
in-flight jobs before exiting.`,
	Example: `  # Log every job from jobs:email on Redis
  WORKER_TOPIC=email streamworker worker

  # Post jobs to a webhook, consuming from NATS JetStream
  BACKEND=nats streamworker worker --processor webhook --webhook-url http://localhost:9000/jobs`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	service := serviceName
	if service == "" {
		service = processorName
	}

	cfg, err := loadConfig(service)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if debugMode {
		level = "debug"
	}
	logger := logging.Setup(cfg.AppEnv, level).With("service", service)

	proc, err := jobs.New(processorName, jobs.Options{
		WebhookURL:       webhookURL,
		WebhookHealthURL: webhookHealthURL,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	coord := shutdown.New(logger)
	runCtx, cancel := coord.Context(ctx)
	defer cancel()

	instance := newInstanceID(cfg.WorkerName)
	be, err := openBackend(runCtx, cfg, instance, logger)
	if err != nil {
		return err
	}
	defer be.close()

	var checker worker.HealthChecker
	if hc, ok := proc.(worker.HealthChecker); ok {
		checker = hc
	}
	health := status.NewHealth(checker)

	wcfg := workerConfig(cfg, instance, logger, health)
	var store *usage.Store
	if cfg.UsageDBPath != "" {
		store, err = usage.OpenStore(cfg.UsageDBPath)
		if err != nil {
			return fmt.Errorf("failed to open usage ledger: %w", err)
		}
		defer store.Close()
		wcfg.JobRecordFn = store.RecordFunc(logger)
	}

	w := worker.New[worker.Envelope](be.consumer, be.dlq, proc, wcfg)

	collector := status.NewCollector(status.CollectorConfig{
		Version:   Version,
		Backend:   be.name,
		Stream:    be.stream,
		Processor: proc.Name(),
		Worker:    w,
		Info:      be.info,
	})
	srvCfg := status.ServerConfig{
		Port:      cfg.HealthPort,
		Version:   Version,
		Collector: collector,
		Info:      be.info,
		DLQ:       be.dlq,
		Logger:    logger,
	}
	if store != nil {
		srvCfg.Outcomes = store
	}
	server := status.NewServer(srvCfg, health)
	beat := newHeartbeat(runCtx, cfg, be, w.WorkerID(), collector, logger)

	logger.Info("starting worker process",
		"version", Version,
		"backend", be.name,
		"stream", be.stream,
		"processor", proc.Name(),
		"health_port", cfg.HealthPort,
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		coord.WaitForSignal(gctx)
		return nil
	})
	g.Go(func() error {
		return <-coord.Watch("status server", func() error { return server.Start(gctx) })
	})
	g.Go(func() error {
		return <-coord.Watch("worker", func() error { return w.Run(gctx) })
	})
	if beat != nil {
		g.Go(func() error {
			beat.Start(gctx)
			return nil
		})
	}
	if store != nil && cfg.UsageRetention > 0 {
		g.Go(func() error {
			pruneLoop(gctx, store, cfg.UsageRetention, logger)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("worker process stopped", "reason", coord.Reason())
	return err
}

// newInstanceID names one worker process: "<worker>-<uuid8>". The same name
// is the worker id in logs and presence and the backend consumer name.
func newInstanceID(workerName string) string {
	return fmt.Sprintf("%s-%s", workerName, uuid.New().String()[:8])
}

// workerConfig maps the process configuration onto the worker tunables.
func workerConfig(cfg *config.Config, instance string, logger *slog.Logger, health worker.HealthReporter) worker.Config {
	return worker.Config{
		WorkerID:          instance,
		BatchSize:         cfg.BatchSize,
		FetchTimeout:      cfg.FetchTimeout,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxDeliver:        uint64(cfg.MaxDeliver),
		AckWait:           cfg.AckWait,
		DrainTimeout:      cfg.DrainTimeout,
		RateLimitRPS:      cfg.RateLimit(),
		RateLimitBurst:    cfg.RateLimitBurst,
		Jitter:            true,
		Logger:            logger,
		Metrics:           metrics.Default(),
		Health:            health,
	}
}

// newHeartbeat returns the presence publisher, or nil when heartbeats are
// disabled or the registry is unavailable. Presence is advisory, so a failure
// here never stops the worker.
func newHeartbeat(ctx context.Context, cfg *config.Config, be *backend, workerID string, collector heartbeat.Snapshotter, logger *slog.Logger) *heartbeat.Publisher {
	if cfg.HeartbeatInterval <= 0 || be.presence == nil {
		return nil
	}
	registry, err := be.presence(ctx, 3*cfg.HeartbeatInterval)
	if err != nil {
		logger.Warn("worker presence unavailable", "error", err)
		return nil
	}
	beat, err := heartbeat.NewPublisher(heartbeat.Config{
		WorkerID: workerID,
		Interval: cfg.HeartbeatInterval,
		Logger:   logger,
	}, registry, collector)
	if err != nil {
		logger.Warn("worker presence disabled", "error", err)
		return nil
	}
	return beat
}

// pruneLoop trims the usage ledger once an hour until ctx ends.
func pruneLoop(ctx context.Context, store *usage.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("failed to prune usage ledger", "error", err)
		} else if n > 0 {
			logger.Debug("pruned usage ledger", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&processorName, "processor", "log", "Built-in processor: log, shell or webhook")
	workerCmd.Flags().StringVar(&serviceName, "service", "", "Service name for <SERVICE>_WORKER_HEALTH_PORT (default: processor name)")
	workerCmd.Flags().StringVar(&webhookURL, "webhook-url", getEnvOrDefault("WEBHOOK_URL", ""), "URL the webhook processor posts jobs to (or set WEBHOOK_URL env)")
	workerCmd.Flags().StringVar(&webhookHealthURL, "webhook-health-url", getEnvOrDefault("WEBHOOK_HEALTH_URL", ""), "URL polled by the readiness probe (or set WEBHOOK_HEALTH_URL env)")
}
