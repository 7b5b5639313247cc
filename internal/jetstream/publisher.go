package jetstream

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes payloads to the topic subject.
type Publisher struct {
	c       *Client
	subject string
}

var _ worker.Publisher = (*Publisher)(nil)

// Publisher returns a publisher for the configured topic.
func (c *Client) Publisher() *Publisher {
	return &Publisher{c: c, subject: c.cfg.Subject()}
}

// EnsureStream creates the source and dead-letter streams if absent.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	return p.c.EnsureStreams(ctx)
}

// Publish publishes one payload and returns its stream sequence.
func (p *Publisher) Publish(ctx context.Context, data []byte) (string, error) {
	ack, err := p.c.js.Publish(ctx, p.subject, data, jetstream.WithExpectStream(p.c.cfg.StreamName()))
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// PublishBatch publishes asynchronously and waits for every ack in order.
// On failure the sequences acked before the first error are returned.
func (p *Publisher) PublishBatch(ctx context.Context, batch [][]byte) ([]string, error) {
	futures := make([]jetstream.PubAckFuture, 0, len(batch))
	for _, data := range batch {
		f, err := p.c.js.PublishAsync(p.subject, data, jetstream.WithExpectStream(p.c.cfg.StreamName()))
		if err != nil {
			return p.collect(ctx, futures, fmt.Errorf("publish %s: %w", p.subject, err))
		}
		futures = append(futures, f)
	}
	return p.collect(ctx, futures, nil)
}

func (p *Publisher) collect(ctx context.Context, futures []jetstream.PubAckFuture, tail error) ([]string, error) {
	ids := make([]string, 0, len(futures))
	for _, f := range futures {
		select {
		case ack := <-f.Ok():
			ids = append(ids, strconv.FormatUint(ack.Sequence, 10))
		case err := <-f.Err():
			return ids, fmt.Errorf("publish %s: %w", p.subject, err)
		case <-ctx.Done():
			return ids, ctx.Err()
		}
	}
	return ids, tail
}
