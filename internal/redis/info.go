package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Info reports depth, pending, lag, delayed retries and DLQ depth.
// Lag is best effort; XINFO GROUPS only reports it on Redis 7+.
func (c *Client) Info(ctx context.Context) (*worker.StreamInfo, error) {
	stream := c.cfg.StreamName()

	pipe := c.rdb.Pipeline()
	depth := pipe.XLen(ctx, stream)
	delayed := pipe.ZCard(ctx, DelayedKey(stream))
	dlq := pipe.XLen(ctx, c.cfg.DLQName())
	pipe.Exec(ctx)

	if err := depth.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xlen %s: %w", stream, err)
	}

	info := &worker.StreamInfo{
		Backend:   "redis",
		Stream:    stream,
		Depth:     depth.Val(),
		Delayed:   delayed.Val(),
		DLQStream: c.cfg.DLQName(),
		DLQDepth:  dlq.Val(),
	}

	if pending, err := c.rdb.XPending(ctx, stream, c.cfg.GroupName()).Result(); err == nil {
		info.Pending = pending.Count
	}
	if groups, err := c.rdb.XInfoGroups(ctx, stream).Result(); err == nil {
		for _, g := range groups {
			if g.Name == c.cfg.GroupName() && g.Lag >= 0 {
				info.Lag = g.Lag
			}
		}
	}
	return info, nil
}
