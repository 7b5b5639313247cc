// Package jetstream implements the worker backend on NATS JetStream.
//
// Layout for a worker configured with domain "jobs" and topic "email":
//
//   - JOBS              work-queue stream, subjects "jobs.>"
//   - jobs.email        subject jobs are published to
//   - jobs_workers      durable pull consumer filtered on jobs.email
//   - JOBS_DLQ          dead-letter stream, subjects "dlq.jobs.>"
//   - dlq.jobs.<type>   subject a dead-lettered job is published to
//
// The server tracks delivery counts, enforces MaxDeliver and redelivers
// anything not acked within AckWait, so there is no claim step.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds configuration for the JetStream backend.
type Config struct {
	URL string

	// Domain names the stream ("JOBS") and the subject root ("jobs.>").
	Domain string
	Topic  string

	// ConsumerName is the durable shared by every worker instance.
	ConsumerName string

	// WorkerName prefixes the per-instance connection name.
	WorkerName string

	// Instance names this connection; it defaults to "<WorkerName>-<uuid8>".
	Instance string

	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int

	// MaxLength caps the source stream; the oldest messages are discarded.
	MaxLength    int64
	DLQMaxLength int64
	DLQRetention time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Domain == "" {
		c.Domain = "jobs"
	}
	if c.Topic == "" {
		c.Topic = "default"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = c.Domain + "_workers"
	}
	if c.WorkerName == "" {
		c.WorkerName = "worker"
	}
	if c.Instance == "" {
		c.Instance = fmt.Sprintf("%s-%s", c.WorkerName, uuid.New().String()[:8])
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 6
	}
	if c.MaxAckPending == 0 {
		c.MaxAckPending = 1000
	}
	if c.MaxLength == 0 {
		c.MaxLength = 100000
	}
	if c.DLQMaxLength == 0 {
		c.DLQMaxLength = 10000
	}
	if c.DLQRetention == 0 {
		c.DLQRetention = 30 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StreamName returns the upper-cased domain, e.g. "JOBS".
func (c Config) StreamName() string { return streamName(c.Domain) }

// Subject returns the subject jobs for this topic are published to.
func (c Config) Subject() string { return subjectToken(c.Domain) + "." + subjectToken(c.Topic) }

// DLQStreamName returns "<STREAM>_DLQ".
func (c Config) DLQStreamName() string { return c.StreamName() + "_DLQ" }

// DLQSubject returns the subject a dead-lettered job of jobType is published to.
func (c Config) DLQSubject(jobType string) string {
	if jobType == "" {
		jobType = "unknown"
	}
	return "dlq." + subjectToken(c.Domain) + "." + subjectToken(jobType)
}

func streamName(domain string) string {
	return strings.ToUpper(subjectToken(domain))
}

// subjectToken makes s usable as a single subject token and stream name.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', ':', '/', '\\':
			return '_'
		}
		return r
	}, s)
}

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	cfg      Config
	log      *slog.Logger
	instance string
}

// Connect dials NATS and verifies JetStream is enabled.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()
	instance := cfg.Instance
	log := cfg.Logger.With("backend", "nats", "instance", instance)

	nc, err := nats.Connect(cfg.URL,
		nats.Name(instance),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", "url", nc.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if _, err := js.AccountInfo(ctx); err != nil {
		nc.Close()
		if errors.Is(err, jetstream.ErrJetStreamNotEnabled) || errors.Is(err, jetstream.ErrJetStreamNotEnabledForAccount) {
			return nil, fmt.Errorf("JetStream is not enabled on %s: %w", cfg.URL, err)
		}
		return nil, fmt.Errorf("failed to reach JetStream at %s: %w", cfg.URL, err)
	}

	log.Info("connected to NATS", "url", nc.ConnectedUrlRedacted(), "stream", cfg.StreamName())
	return &Client{nc: nc, js: js, cfg: cfg, log: log, instance: instance}, nil
}

// Config returns the effective configuration with defaults applied.
func (c *Client) Config() Config { return c.cfg }

// Instance returns this connection's name, Config.Instance.
func (c *Client) Instance() string { return c.instance }

// EnsureStreams creates or updates the source stream and the dead-letter stream.
func (c *Client) EnsureStreams(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.StreamName(),
		Description: "work queue for " + c.cfg.Domain,
		Subjects:    []string{subjectToken(c.cfg.Domain) + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		MaxMsgs:     c.cfg.MaxLength,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", c.cfg.StreamName(), err)
	}

	_, err = c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.DLQStreamName(),
		Description: "dead letters for " + c.cfg.Domain,
		Subjects:    []string{"dlq." + subjectToken(c.cfg.Domain) + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxMsgs:     c.cfg.DLQMaxLength,
		MaxAge:      c.cfg.DLQRetention,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", c.cfg.DLQStreamName(), err)
	}
	return nil
}

// EnsureConsumer creates or updates the shared durable pull consumer.
func (c *Client) EnsureConsumer(ctx context.Context) (jetstream.Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.StreamName(), jetstream.ConsumerConfig{
		Durable:       c.cfg.ConsumerName,
		Description:   "workers for " + c.cfg.Subject(),
		FilterSubject: c.cfg.Subject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		MaxAckPending: c.cfg.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure consumer %s: %w", c.cfg.ConsumerName, err)
	}
	return cons, nil
}

// Ping flushes the connection to the server.
func (c *Client) Ping(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}

// Close closes the connection. Acks still buffered are flushed first.
func (c *Client) Close() error {
	c.nc.Flush()
	c.nc.Close()
	return nil
}
