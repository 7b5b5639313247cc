package redis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Presence stores one expiring key per live worker, "<stream>:workers:<id>",
// and publishes every announcement on "<stream>:workers" for live dashboards.
type Presence struct {
	c       *Client
	prefix  string
	channel string
	ttl     time.Duration
}

// Presence returns the worker registry for this stream. Announcements expire
// after ttl unless refreshed.
func (c *Client) Presence(ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	channel := c.cfg.StreamName() + ":workers"
	return &Presence{c: c, prefix: channel + ":", channel: channel, ttl: ttl}
}

// Channel returns the pub/sub channel announcements are published on.
func (p *Presence) Channel() string { return p.channel }

// Announce refreshes the worker's key and publishes the snapshot.
func (p *Presence) Announce(ctx context.Context, workerID string, data []byte) error {
	pipe := p.c.rdb.TxPipeline()
	pipe.Set(ctx, p.prefix+workerID, data, p.ttl)
	pipe.Publish(ctx, p.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to announce %s: %w", workerID, err)
	}
	return nil
}

// Withdraw removes the worker's key ahead of its expiry.
func (p *Presence) Withdraw(ctx context.Context, workerID string) error {
	return p.c.rdb.Del(ctx, p.prefix+workerID).Err()
}

// Members returns the latest snapshot of every worker whose key is live.
func (p *Presence) Members(ctx context.Context) (map[string][]byte, error) {
	var keys []string
	iter := p.c.rdb.Scan(ctx, 0, p.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s*: %w", p.prefix, err)
	}

	members := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return members, nil
	}
	vals, err := p.c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker keys: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		members[strings.TrimPrefix(keys[i], p.prefix)] = []byte(s)
	}
	return members, nil
}
