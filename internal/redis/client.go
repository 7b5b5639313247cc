// Package redis implements the worker backend on Redis Streams.
//
// Layout for a worker configured with domain "jobs" and topic "email":
//
//   - jobs:email            source stream, one field "job" holding the payload
//   - jobs_workers          consumer group shared by every worker instance
//   - jobs:email:delayed    sorted set of retries scored by due time (ms)
//   - jobs:dlq              dead-letter stream for the whole domain
//
// Acked entries are deleted from the stream, so XLEN is the outstanding work.
// Abandoned deliveries are reclaimed with XAUTOCLAIM once idle for AckWait.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field that carries the job bytes.
const payloadField = "job"

// Config holds configuration for the Redis backend.
type Config struct {
	URL      string
	Password string

	// Domain groups related topics; it names the consumer group and the DLQ.
	Domain string
	Topic  string

	// WorkerName prefixes the per-instance consumer name.
	WorkerName string

	// Instance, when set, is the consumer name used within the group.
	// Otherwise every Consumer gets "<WorkerName>-<uuid8>".
	Instance string

	// MaxLength caps the source stream (approximate trimming).
	MaxLength    int64
	DLQMaxLength int64
	DLQRetention time.Duration

	// AckWait is the idle time after which a pending delivery is reclaimed.
	AckWait       time.Duration
	ClaimInterval time.Duration
	ClaimBatch    int64

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Domain == "" {
		c.Domain = "jobs"
	}
	if c.Topic == "" {
		c.Topic = "default"
	}
	if c.WorkerName == "" {
		c.WorkerName = "worker"
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 100000
	}
	if c.DLQMaxLength <= 0 {
		c.DLQMaxLength = 10000
	}
	if c.DLQRetention <= 0 {
		c.DLQRetention = 30 * 24 * time.Hour
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StreamName returns the source stream key.
func (c Config) StreamName() string {
	return c.Domain + ":" + c.Topic
}

// GroupName returns the consumer group shared by all instances.
func (c Config) GroupName() string {
	return c.Domain + "_workers"
}

// DLQName returns the dead-letter stream key.
func (c Config) DLQName() string {
	return c.Domain + ":dlq"
}

// DelayedKey returns the sorted set holding delayed retries for stream.
func DelayedKey(stream string) string {
	return stream + ":delayed"
}

// Client wraps the go-redis connection shared by the publisher, consumer and DLQ.
type Client struct {
	rdb *redis.Client
	cfg Config
	log *slog.Logger
}

// Connect establishes the connection and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", maskURL(cfg.URL), err)
	}

	log := cfg.Logger.With("backend", "redis", "stream", cfg.StreamName())
	c := &Client{rdb: rdb, cfg: cfg, log: log}

	serverVersion := "unknown"
	v, err := c.ServerVersion(ctx)
	switch {
	case err != nil:
		log.Debug("could not read server version", "error", err)
	case v != nil:
		if err := checkServerVersion(v); err != nil {
			rdb.Close()
			return nil, err
		}
		serverVersion = v.String()
	}

	log.Info("connected to Redis", "url", maskURL(cfg.URL), "server_version", serverVersion)
	return c, nil
}

// minServerVersion is the first release with XAUTOCLAIM.
var minServerVersion = version.Must(version.NewVersion("6.2.0"))

// ServerVersion returns the redis_version reported by INFO server, or nil if
// the server does not report one.
func (c *Client) ServerVersion(ctx context.Context) (*version.Version, error) {
	info, err := c.rdb.Info(ctx, "server").Result()
	if err != nil {
		return nil, err
	}
	return parseServerVersion(info)
}

func parseServerVersion(info string) (*version.Version, error) {
	for _, line := range strings.Split(info, "\n") {
		raw, ok := strings.CutPrefix(strings.TrimSpace(line), "redis_version:")
		if !ok {
			continue
		}
		v, err := version.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_version %q: %w", raw, err)
		}
		return v, nil
	}
	return nil, nil
}

func checkServerVersion(v *version.Version) error {
	if v.LessThan(minServerVersion) {
		return fmt.Errorf("redis %s is not supported: XAUTOCLAIM needs %s or later", v, minServerVersion)
	}
	return nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// EnsureGroup creates the stream and consumer group if they don't exist.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.StreamName(), c.cfg.GroupName(), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.cfg.GroupName(), err)
	}
	return nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// maskURL hides the password in a Redis URL for logging.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "redis://<invalid>"
	}
	return u.Redacted()
}
