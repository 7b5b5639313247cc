package worker

import (
	"context"
	"errors"
	"time"
)

// ErrConsumerClosed is returned by NextBatch after Close.
var ErrConsumerClosed = errors.New("consumer closed")

// Delivery is one message handed out by a Consumer. The worker holds the only
// reference to it until it is acked, nak'd or released.
type Delivery struct {
	// MessageID is the backend-native identifier (stream entry id or sequence).
	MessageID string

	// Stream is the stream or subject the message was read from.
	Stream string

	// Data is the serialised job.
	Data []byte

	// DeliveryCount is 1 on first delivery.
	DeliveryCount uint64

	CreatedAt   time.Time
	DeliveredAt time.Time

	// Claimed is set when the delivery was recovered from another consumer's
	// abandoned work rather than read fresh.
	Claimed bool
}

// Consumer pulls deliveries from a durable consumer cursor.
// Implementations: redis.Consumer, jetstream.Consumer.
type Consumer interface {
	// Name returns the backend identifier ("redis", "nats").
	Name() string

	// Stream returns the source stream name used for metric labels.
	Stream() string

	// Connect verifies the backend and creates the stream, consumer group
	// and dead-letter stream if absent.
	Connect(ctx context.Context) error

	// NextBatch returns up to max deliveries, blocking at most wait.
	// An empty result is not an error.
	NextBatch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error)

	// Ack commits successful processing.
	Ack(ctx context.Context, d *Delivery) error

	// Nak schedules a redelivery no sooner than delay. retry is the
	// re-serialised job with its retry count incremented; backends that
	// redeliver the original bytes may ignore it.
	Nak(ctx context.Context, d *Delivery, retry []byte, delay time.Duration) error

	// Release hands an unprocessed delivery back without counting an attempt.
	Release(ctx context.Context, d *Delivery) error

	// Close stops the consumer. Further NextBatch calls return ErrConsumerClosed.
	Close() error
}

// Extender is implemented by consumers that can reset a delivery's ack
// deadline, keeping it from being redelivered or dropped while held.
type Extender interface {
	Extend(ctx context.Context, d *Delivery) error
}

// Publisher appends serialised jobs to a stream.
type Publisher interface {
	Publish(ctx context.Context, data []byte) (string, error)
	PublishBatch(ctx context.Context, data [][]byte) ([]string, error)
	EnsureStream(ctx context.Context) error
}

// StreamInfo describes the depth of a source stream and its dead-letter queue.
type StreamInfo struct {
	Backend   string `json:"backend"`
	Stream    string `json:"stream"`
	Depth     int64  `json:"depth"`
	Pending   int64  `json:"pending"`
	Lag       int64  `json:"lag"`
	Delayed   int64  `json:"delayed,omitempty"`
	DLQStream string `json:"dlq_stream"`
	DLQDepth  int64  `json:"dlq_depth"`
}

// InfoProvider is implemented by consumers that can report stream depth.
type InfoProvider interface {
	Info(ctx context.Context) (*StreamInfo, error)
}

// HealthReporter receives the health side effects of the worker loop.
// status.Health implements it.
type HealthReporter interface {
	SetStreamConnected(connected bool)
	SetProcessorHealthy(healthy bool)
}
