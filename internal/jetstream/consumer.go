package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Consumer pulls from the shared durable consumer.
type Consumer struct {
	c      *Client
	log    *slog.Logger
	closed atomic.Bool

	mu       sync.Mutex
	cons     jetstream.Consumer
	inflight map[*worker.Delivery]jetstream.Msg
}

var (
	_ worker.Consumer     = (*Consumer)(nil)
	_ worker.InfoProvider = (*Consumer)(nil)
	_ worker.Extender     = (*Consumer)(nil)
)

// Consumer returns a pull consumer bound to the configured topic.
func (c *Client) Consumer() *Consumer {
	return &Consumer{
		c:        c,
		log:      c.log.With("consumer", c.cfg.ConsumerName),
		inflight: make(map[*worker.Delivery]jetstream.Msg),
	}
}

func (k *Consumer) Name() string { return "nats" }

func (k *Consumer) Stream() string { return k.c.cfg.Subject() }

// Connect creates the streams and the durable consumer if absent.
func (k *Consumer) Connect(ctx context.Context) error {
	if err := k.c.EnsureStreams(ctx); err != nil {
		return err
	}
	cons, err := k.c.EnsureConsumer(ctx)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.cons = cons
	k.mu.Unlock()
	k.log.Info("bound to durable consumer", "stream", k.c.cfg.StreamName(), "filter", k.c.cfg.Subject())
	return nil
}

// NextBatch pulls up to max messages, waiting at most wait for the first.
func (k *Consumer) NextBatch(ctx context.Context, max int, wait time.Duration) ([]*worker.Delivery, error) {
	if k.closed.Load() {
		return nil, worker.ErrConsumerClosed
	}
	k.mu.Lock()
	cons := k.cons
	k.mu.Unlock()
	if cons == nil {
		return nil, errors.New("consumer not connected")
	}
	if max <= 0 {
		max = 1
	}

	var (
		batch jetstream.MessageBatch
		err   error
	)
	if wait < time.Millisecond {
		batch, err = cons.FetchNoWait(max)
	} else {
		batch, err = cons.Fetch(max, jetstream.FetchMaxWait(wait))
	}
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) || errors.Is(err, jetstream.ErrConsumerDeleted) {
			k.log.Warn("durable consumer missing, recreating")
			if cerr := k.Connect(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, nil
		}
		if errors.Is(err, nats.ErrConnectionClosed) && k.closed.Load() {
			return nil, worker.ErrConsumerClosed
		}
		return nil, fmt.Errorf("fetch %s: %w", k.c.cfg.ConsumerName, err)
	}

	now := time.Now()
	var out []*worker.Delivery
	for msg := range batch.Messages() {
		d, derr := k.delivery(msg, now)
		if derr != nil {
			k.log.Warn("dropping message without metadata", "subject", msg.Subject(), "error", derr)
			msg.Term()
			continue
		}
		out = append(out, d)
	}

	if err := batch.Error(); err != nil && !isEmptyFetch(err) {
		if len(out) > 0 {
			k.log.Debug("fetch ended early", "received", len(out), "error", err)
			return out, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", k.c.cfg.ConsumerName, err)
	}
	return out, nil
}

func isEmptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, jetstream.ErrNoMessages) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (k *Consumer) delivery(msg jetstream.Msg, now time.Time) (*worker.Delivery, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	d := &worker.Delivery{
		MessageID:     strconv.FormatUint(meta.Sequence.Stream, 10),
		Stream:        msg.Subject(),
		Data:          msg.Data(),
		DeliveryCount: meta.NumDelivered,
		CreatedAt:     meta.Timestamp,
		DeliveredAt:   now,
	}
	k.mu.Lock()
	k.inflight[d] = msg
	k.mu.Unlock()
	return d, nil
}

func (k *Consumer) take(d *worker.Delivery) (jetstream.Msg, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	msg, ok := k.inflight[d]
	if !ok {
		return nil, fmt.Errorf("unknown delivery %s", d.MessageID)
	}
	delete(k.inflight, d)
	return msg, nil
}

// Ack acknowledges the delivery and waits for the server to confirm it.
func (k *Consumer) Ack(ctx context.Context, d *worker.Delivery) error {
	msg, err := k.take(d)
	if err != nil {
		return err
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.MessageID, err)
	}
	return nil
}

// Nak asks the server to redeliver the original message after delay. The
// retry payload is not used; the worker derives the attempt from the
// delivery count.
func (k *Consumer) Nak(_ context.Context, d *worker.Delivery, _ []byte, delay time.Duration) error {
	msg, err := k.take(d)
	if err != nil {
		return err
	}
	if delay > 0 {
		err = msg.NakWithDelay(delay)
	} else {
		err = msg.Nak()
	}
	if err != nil {
		return fmt.Errorf("nak %s: %w", d.MessageID, err)
	}
	return nil
}

// Extend sends a progress ack, restarting the server's ack wait for d.
func (k *Consumer) Extend(_ context.Context, d *worker.Delivery) error {
	k.mu.Lock()
	msg, ok := k.inflight[d]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown delivery %s", d.MessageID)
	}
	if err := msg.InProgress(); err != nil {
		return fmt.Errorf("extend %s: %w", d.MessageID, err)
	}
	return nil
}

// Release naks without delay so another instance can pick the message up.
func (k *Consumer) Release(ctx context.Context, d *worker.Delivery) error {
	return k.Nak(ctx, d, nil, 0)
}

// Close stops fetching. The connection is owned by the Client.
func (k *Consumer) Close() error {
	k.closed.Store(true)
	return nil
}

// Info delegates to the client.
func (k *Consumer) Info(ctx context.Context) (*worker.StreamInfo, error) {
	return k.c.Info(ctx)
}
