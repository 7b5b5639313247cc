// Package heartbeat announces a running worker to its backend.
//
// Every interval the publisher snapshots the worker through the status
// collector and stores it in the backend's presence registry under the
// worker id. Entries expire on their own, so a worker that dies without
// withdrawing drops out of the listing after the registry TTL.
//
// Architecture:
//
//	Worker                          Registry
//	┌─────────────┐   Announce     ┌──────────────────────────────┐
//	│  Publisher  │ ─────────────▶ │ redis: <stream>:workers:<id> │
//	│  (30s)      │                │ nats:  <STREAM>_WORKERS KV   │
//	└─────────────┘                └──────────────────────────────┘
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/aceteam-ai/streamworker/internal/status"
)

// workerIDPattern keeps ids usable as Redis key suffixes and KV keys.
var workerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Registry stores the latest announcement per worker.
type Registry interface {
	Announce(ctx context.Context, workerID string, data []byte) error
	Withdraw(ctx context.Context, workerID string) error
	Members(ctx context.Context) (map[string][]byte, error)
}

// Snapshotter produces the status a worker announces.
type Snapshotter interface {
	Collect(ctx context.Context) (*status.WorkerStatus, error)
}

// Config holds configuration for the heartbeat publisher.
type Config struct {
	WorkerID string

	// Interval is the time between announcements (default: 30s). The
	// registry TTL should cover at least two intervals.
	Interval time.Duration

	Logger *slog.Logger
}

// Publisher periodically announces a worker's status.
type Publisher struct {
	cfg       Config
	registry  Registry
	collector Snapshotter
	log       *slog.Logger
}

// NewPublisher creates a publisher for cfg.WorkerID.
func NewPublisher(cfg Config, registry Registry, collector Snapshotter) (*Publisher, error) {
	if !workerIDPattern.MatchString(cfg.WorkerID) {
		return nil, fmt.Errorf("invalid worker ID %q: must be 1-64 alphanumeric characters, hyphens, underscores, or dots", cfg.WorkerID)
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{
		cfg:       cfg,
		registry:  registry,
		collector: collector,
		log:       cfg.Logger.With("worker_id", cfg.WorkerID),
	}, nil
}

// Interval returns the configured publish interval.
func (p *Publisher) Interval() time.Duration { return p.cfg.Interval }

// Start announces immediately and then every interval until ctx is
// cancelled, when it withdraws the worker. Announcement failures are logged
// and retried on the next tick.
func (p *Publisher) Start(ctx context.Context) error {
	p.log.Debug("starting heartbeat", "interval", p.cfg.Interval)

	if err := p.PublishOnce(ctx); err != nil {
		p.log.Warn("initial heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.withdraw()
			return ctx.Err()
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil {
				p.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// PublishOnce collects and announces a single snapshot.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	snap, err := p.collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect status: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return p.registry.Announce(ctx, p.cfg.WorkerID, data)
}

func (p *Publisher) withdraw() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.registry.Withdraw(ctx, p.cfg.WorkerID); err != nil {
		p.log.Debug("failed to withdraw heartbeat", "error", err)
	}
}

// Live decodes every announcement in the registry, ordered by worker id.
// Entries that fail to decode are skipped.
func Live(ctx context.Context, registry Registry) ([]*status.WorkerStatus, error) {
	members, err := registry.Members(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	live := make([]*status.WorkerStatus, 0, len(ids))
	for _, id := range ids {
		var s status.WorkerStatus
		if err := json.Unmarshal(members[id], &s); err != nil {
			continue
		}
		if s.Worker.ID == "" {
			s.Worker.ID = id
		}
		live = append(live, &s)
	}
	return live, nil
}
