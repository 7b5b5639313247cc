// cmd/backend.go
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aceteam-ai/streamworker/internal/config"
	"github.com/aceteam-ai/streamworker/internal/heartbeat"
	jsclient "github.com/aceteam-ai/streamworker/internal/jetstream"
	redisclient "github.com/aceteam-ai/streamworker/internal/redis"
	"github.com/aceteam-ai/streamworker/internal/worker"
)

// backend bundles the pieces of one connected stream backend.
type backend struct {
	name      string
	stream    string
	consumer  worker.Consumer
	publisher worker.Publisher
	dlq       worker.DeadLetterStore
	info      worker.InfoProvider
	close     func() error

	// presence opens the worker registry; ttl expires silent workers.
	presence func(ctx context.Context, ttl time.Duration) (heartbeat.Registry, error)
}

// openBackend connects to the backend selected by cfg.Backend. instance names
// this process on the backend; CLI commands pass "" and get a generated name.
func openBackend(ctx context.Context, cfg *config.Config, instance string, logger *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case "redis":
		client, err := redisclient.Connect(ctx, redisConfig(cfg, instance, logger))
		if err != nil {
			return nil, err
		}
		return &backend{
			name:      "redis",
			stream:    client.Config().StreamName(),
			consumer:  client.Consumer(),
			publisher: client.Publisher(),
			dlq:       client.DLQ(),
			info:      client,
			close:     client.Close,
			presence: func(_ context.Context, ttl time.Duration) (heartbeat.Registry, error) {
				return client.Presence(ttl), nil
			},
		}, nil

	case "nats":
		client, err := jsclient.Connect(ctx, natsConfig(cfg, instance, logger))
		if err != nil {
			return nil, err
		}
		return &backend{
			name:      "nats",
			stream:    client.Config().Subject(),
			consumer:  client.Consumer(),
			publisher: client.Publisher(),
			dlq:       client.DLQ(),
			info:      client,
			close:     client.Close,
			presence: func(ctx context.Context, ttl time.Duration) (heartbeat.Registry, error) {
				return client.Presence(ctx, ttl)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q (want redis or nats)", cfg.Backend)
	}
}

func redisConfig(cfg *config.Config, instance string, logger *slog.Logger) redisclient.Config {
	return redisclient.Config{
		URL:           cfg.RedisURL,
		Password:      cfg.RedisPassword,
		Domain:        cfg.Domain,
		Topic:         cfg.Topic,
		WorkerName:    cfg.WorkerName,
		Instance:      instance,
		MaxLength:     cfg.MaxLength,
		AckWait:       cfg.AckWait,
		ClaimInterval: cfg.ClaimInterval,
		Logger:        logger,
	}
}

func natsConfig(cfg *config.Config, instance string, logger *slog.Logger) jsclient.Config {
	maxDeliver := cfg.MaxDeliver
	if maxDeliver == 0 {
		maxDeliver = -1
	}
	return jsclient.Config{
		URL:        cfg.NATSURL,
		Domain:     cfg.Domain,
		Topic:      cfg.Topic,
		WorkerName: cfg.WorkerName,
		Instance:   instance,
		AckWait:    cfg.AckWait,
		MaxDeliver: maxDeliver,
		MaxLength:  cfg.MaxLength,
		Logger:     logger,
	}
}
