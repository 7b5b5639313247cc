package redis

import (
	"context"
	"fmt"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Publisher appends payloads to the source stream.
type Publisher struct {
	c      *Client
	stream string
}

var _ worker.Publisher = (*Publisher)(nil)

// Publisher returns a publisher for the configured stream.
func (c *Client) Publisher() *Publisher {
	return &Publisher{c: c, stream: c.cfg.StreamName()}
}

// EnsureStream creates the stream and its consumer group.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	return p.c.EnsureGroup(ctx)
}

// Publish appends one payload and returns its entry id.
func (p *Publisher) Publish(ctx context.Context, data []byte) (string, error) {
	id, err := p.c.rdb.XAdd(ctx, p.addArgs(data)).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// PublishBatch appends payloads in one pipeline. On failure the ids of the
// entries appended before the first error are returned.
func (p *Publisher) PublishBatch(ctx context.Context, batch [][]byte) ([]string, error) {
	pipe := p.c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(batch))
	for i, data := range batch {
		cmds[i] = pipe.XAdd(ctx, p.addArgs(data))
	}
	_, execErr := pipe.Exec(ctx)

	ids := make([]string, 0, len(batch))
	for _, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			return ids, fmt.Errorf("xadd %s: %w", p.stream, err)
		}
		ids = append(ids, cmd.Val())
	}
	if execErr != nil {
		return ids, fmt.Errorf("xadd %s: %w", p.stream, execErr)
	}
	return ids, nil
}

func (p *Publisher) addArgs(data []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.c.cfg.MaxLength,
		Approx: true,
		Values: []any{payloadField, data},
	}
}
