package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Presence keeps worker announcements in a KV bucket, "<STREAM>_WORKERS",
// whose TTL expires workers that stop refreshing. Keys are "<topic>.<id>".
type Presence struct {
	kv     jetstream.KeyValue
	prefix string
}

// PresenceBucket returns the KV bucket name for the configured domain.
func (c Config) PresenceBucket() string { return c.StreamName() + "_WORKERS" }

// Presence creates or updates the presence bucket. The TTL is a bucket
// property, so every announcement in a domain shares it.
func (c *Client) Presence(ctx context.Context, ttl time.Duration) (*Presence, error) {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      c.cfg.PresenceBucket(),
		Description: "live workers for " + c.cfg.Domain,
		TTL:         ttl,
		Storage:     jetstream.MemoryStorage,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", c.cfg.PresenceBucket(), err)
	}
	return &Presence{kv: kv, prefix: subjectToken(c.cfg.Topic) + "."}, nil
}

// Announce stores the worker's latest snapshot.
func (p *Presence) Announce(ctx context.Context, workerID string, data []byte) error {
	if _, err := p.kv.Put(ctx, p.prefix+subjectToken(workerID), data); err != nil {
		return fmt.Errorf("failed to announce %s: %w", workerID, err)
	}
	return nil
}

// Withdraw deletes the worker's key ahead of its expiry.
func (p *Presence) Withdraw(ctx context.Context, workerID string) error {
	err := p.kv.Delete(ctx, p.prefix+subjectToken(workerID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Members returns the latest snapshot of every live worker on this topic.
func (p *Presence) Members(ctx context.Context) (map[string][]byte, error) {
	lister, err := p.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer lister.Stop()

	members := make(map[string][]byte)
	for key := range lister.Keys() {
		id, ok := strings.CutPrefix(key, p.prefix)
		if !ok {
			continue
		}
		entry, err := p.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read worker %s: %w", id, err)
		}
		members[id] = entry.Value()
	}
	return members, nil
}
