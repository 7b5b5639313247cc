// Package worker provides the durable background-job framework shared by every
// asynchronous service.
//
// The package is backend-agnostic. A Consumer (Redis Streams or NATS JetStream)
// hands deliveries to a Worker, which decodes them into the service's Job type
// and drives a Processor with bounded concurrency:
//
//	Producer → stream → Consumer → Worker → Processor
//	                                  ↘ DeadLetterSink
//
// Delivery is at-least-once. Every delivery ends in exactly one of: ack,
// nak with a backoff delay, or a dead-letter append followed by an ack.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxRetries is the retry ceiling for jobs that don't override it.
const DefaultMaxRetries uint32 = 3

// Priority is advisory metadata. Backends may ignore it.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (p *Priority) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "low":
		*p = PriorityLow
	case "", "normal":
		*p = PriorityNormal
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		return fmt.Errorf("unknown priority %q", string(b))
	}
	return nil
}

// Metadata is the part of a job the framework reads. It never inspects payloads.
type Metadata interface {
	// JobID is chosen by the producer and stable across retries.
	JobID() string

	// RetryCount starts at 0 and increases by one per retry.
	RetryCount() uint32

	// MaxRetries is the per-type retry ceiling (DefaultMaxRetries unless overridden).
	MaxRetries() uint32

	Priority() Priority

	// JobType labels metrics and should come from a small closed set.
	JobType() string
}

// Job is a serialisable unit of work. J is the implementing type itself, so
// WithRetry can return a value of the concrete type.
type Job[J any] interface {
	Metadata

	// WithRetry returns a copy with RetryCount incremented by one.
	WithRetry() J
}

// CanRetry reports whether the job has retries left.
func CanRetry(j Metadata) bool {
	return j.RetryCount() < j.MaxRetries()
}

// Event wraps a decoded job with the delivery metadata supplied by the consumer.
type Event[J any] struct {
	Job           J
	MessageID     string
	DeliveryCount uint64
	CreatedAt     time.Time
	DeliveredAt   time.Time
}

// IsRedelivery reports whether the backend has handed this message out before.
func (e Event[J]) IsRedelivery() bool {
	return e.DeliveryCount > 1
}

type eventKey struct{}

func withEvent[J any](ctx context.Context, ev Event[J]) context.Context {
	return context.WithValue(ctx, eventKey{}, ev)
}

// EventFrom returns the delivery metadata for the job being processed.
func EventFrom[J any](ctx context.Context) (Event[J], bool) {
	ev, ok := ctx.Value(eventKey{}).(Event[J])
	return ev, ok
}

// Envelope is a general-purpose Job with an opaque JSON payload. Services that
// don't need a typed job use it directly.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type,omitempty"`
	Retries   uint32          `json:"retry_count"`
	Limit     uint32          `json:"max_retries,omitempty"`
	Prio      Priority        `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with the given id, type and payload.
func NewEnvelope(id, jobType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		ID:        id,
		Type:      jobType,
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

func (e Envelope) JobID() string { return e.ID }
func (e Envelope) RetryCount() uint32 { return e.Retries }
func (e Envelope) Priority() Priority { return e.Prio }

func (e Envelope) MaxRetries() uint32 {
	if e.Limit == 0 {
		return DefaultMaxRetries
	}
	return e.Limit
}

func (e Envelope) JobType() string {
	if e.Type == "" {
		return "envelope"
	}
	return e.Type
}

func (e Envelope) WithRetry() Envelope {
	e.Retries++
	return e
}

// UnmarshalJSON accepts either "id" or "job_id" as the identifier.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	aux := struct {
		*plain
		AltID string `json:"job_id"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = aux.AltID
	}
	return nil
}

var _ Job[Envelope] = Envelope{}

// jobHeader is the conventional header every payload carries. It is used to label
// dead letters for payloads that fail to decode into the service's job type.
type jobHeader struct {
	ID         string `json:"id"`
	AltID      string `json:"job_id"`
	Type       string `json:"type"`
	RetryCount uint32 `json:"retry_count"`
}

func peekHeader(data []byte) jobHeader {
	var p jobHeader
	_ = json.Unmarshal(data, &p)
	if p.ID == "" {
		p.ID = p.AltID
	}
	return p
}
