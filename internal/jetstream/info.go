package jetstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/nats-io/nats.go/jetstream"
)

// Info reports stream depth, the consumer's ack-pending and unconsumed
// counts, and DLQ depth. A missing consumer or DLQ stream reports zero.
func (c *Client) Info(ctx context.Context) (*worker.StreamInfo, error) {
	s, err := c.js.Stream(ctx, c.cfg.StreamName())
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", c.cfg.StreamName(), err)
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", c.cfg.StreamName(), err)
	}

	info := &worker.StreamInfo{
		Backend:   "nats",
		Stream:    c.cfg.StreamName(),
		Depth:     int64(si.State.Msgs),
		DLQStream: c.cfg.DLQStreamName(),
	}

	if cons, err := s.Consumer(ctx, c.cfg.ConsumerName); err == nil {
		if ci, err := cons.Info(ctx); err == nil {
			info.Pending = int64(ci.NumAckPending)
			info.Lag = int64(ci.NumPending)
		}
	} else if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		c.log.Debug("consumer info unavailable", "error", err)
	}

	if dlq, err := c.js.Stream(ctx, c.cfg.DLQStreamName()); err == nil {
		if di, err := dlq.Info(ctx); err == nil {
			info.DLQDepth = int64(di.State.Msgs)
		}
	}
	return info, nil
}
