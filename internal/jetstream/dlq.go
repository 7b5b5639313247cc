package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrEntryNotFound is returned for DLQ ids that don't exist.
var ErrEntryNotFound = worker.ErrEntryNotFound

// Dead-letter metadata travels in headers; the body is the original payload.
const (
	hdrJobID            = "Job-Id"
	hdrJobType          = "Job-Type"
	hdrError            = "Error"
	hdrCategory         = "Category"
	hdrOriginalSequence = "Original-Sequence"
	hdrSource           = "Source"
	hdrRetryCount       = "Retry-Count"
	hdrDeliveryCount    = "Delivery-Count"
	hdrWorkerID         = "Worker-Id"
	hdrFailedAt         = "Failed-At"
)

var headerValue = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// DLQ is the domain's dead-letter stream. Entry ids are stream sequences.
type DLQ struct {
	c      *Client
	stream string
	filter string
}

var _ worker.DeadLetterStore = (*DLQ)(nil)

// DLQ returns the domain's dead-letter stream.
func (c *Client) DLQ() *DLQ {
	return &DLQ{
		c:      c,
		stream: c.cfg.DLQStreamName(),
		filter: "dlq." + subjectToken(c.cfg.Domain) + ".>",
	}
}

// Name returns the dead-letter stream name.
func (q *DLQ) Name() string { return q.stream }

// MoveToDLQ publishes the entry and returns its sequence in the dead-letter
// stream. Publishing the same source message twice within the duplicate
// window yields one entry.
func (q *DLQ) MoveToDLQ(ctx context.Context, entry *worker.DeadLetter) (string, error) {
	if entry.Source == "" {
		entry.Source = q.c.cfg.Subject()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	msg := nats.NewMsg(q.c.cfg.DLQSubject(entry.JobType))
	msg.Data = entry.RawPayload()
	set := func(k, v string) {
		if v != "" {
			msg.Header.Set(k, headerValue.Replace(v))
		}
	}
	set(hdrJobID, entry.JobID)
	set(hdrJobType, entry.JobType)
	set(hdrError, entry.Error)
	set(hdrCategory, entry.Category)
	set(hdrOriginalSequence, entry.OriginalSequence)
	set(hdrSource, entry.Source)
	set(hdrRetryCount, strconv.FormatUint(uint64(entry.RetryCount), 10))
	set(hdrDeliveryCount, strconv.FormatUint(entry.DeliveryCount, 10))
	set(hdrWorkerID, entry.WorkerID)
	set(hdrFailedAt, entry.FailedAt.UTC().Format(time.RFC3339Nano))

	var opts []jetstream.PublishOpt
	opts = append(opts, jetstream.WithExpectStream(q.stream))
	if entry.OriginalSequence != "" {
		opts = append(opts, jetstream.WithMsgID(entry.Source+":"+entry.OriginalSequence))
	}
	ack, err := q.c.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to append to DLQ %s: %w", q.stream, err)
	}
	entry.ID = strconv.FormatUint(ack.Sequence, 10)
	return entry.ID, nil
}

// List returns up to limit entries, oldest first.
func (q *DLQ) List(ctx context.Context, limit int) ([]*worker.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	s, err := q.c.js.Stream(ctx, q.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to open DLQ %s: %w", q.stream, err)
	}

	var entries []*worker.DeadLetter
	seq := uint64(1)
	for len(entries) < limit {
		raw, err := s.GetMsg(ctx, seq, jetstream.WithGetMsgSubject(q.filter))
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("failed to list DLQ %s: %w", q.stream, err)
		}
		entries = append(entries, parseEntry(raw))
		seq = raw.Sequence + 1
	}
	return entries, nil
}

// Peek returns one entry.
func (q *DLQ) Peek(ctx context.Context, id string) (*worker.DeadLetter, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil || seq == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	s, err := q.c.js.Stream(ctx, q.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to open DLQ %s: %w", q.stream, err)
	}
	raw, err := s.GetMsg(ctx, seq)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		return nil, fmt.Errorf("failed to read DLQ entry %s: %w", id, err)
	}
	return parseEntry(raw), nil
}

// Replay republishes the job to its source subject with retry_count reset
// and deletes the DLQ entry.
func (q *DLQ) Replay(ctx context.Context, id string) (string, error) {
	entry, err := q.Peek(ctx, id)
	if err != nil {
		return "", err
	}
	source := entry.Source
	if source == "" {
		source = q.c.cfg.Subject()
	}

	ack, err := q.c.js.Publish(ctx, source, worker.ResetRetries(entry.RawPayload()))
	if err != nil {
		return "", fmt.Errorf("failed to replay %s to %s: %w", id, source, err)
	}
	newID := strconv.FormatUint(ack.Sequence, 10)
	if err := q.deleteSeq(ctx, id); err != nil {
		return newID, fmt.Errorf("replayed %s as %s but failed to delete it: %w", id, newID, err)
	}
	return newID, nil
}

// Delete removes one entry.
func (q *DLQ) Delete(ctx context.Context, id string) error {
	if _, err := q.Peek(ctx, id); err != nil {
		return err
	}
	return q.deleteSeq(ctx, id)
}

func (q *DLQ) deleteSeq(ctx context.Context, id string) error {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	s, err := q.c.js.Stream(ctx, q.stream)
	if err != nil {
		return fmt.Errorf("failed to open DLQ %s: %w", q.stream, err)
	}
	if err := s.DeleteMsg(ctx, seq); err != nil {
		return fmt.Errorf("failed to delete DLQ entry %s: %w", id, err)
	}
	return nil
}

// Depth returns the number of entries.
func (q *DLQ) Depth(ctx context.Context) (int64, error) {
	s, err := q.c.js.Stream(ctx, q.stream)
	if err != nil {
		return 0, fmt.Errorf("failed to open DLQ %s: %w", q.stream, err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", q.stream, err)
	}
	return int64(info.State.Msgs), nil
}

func parseEntry(raw *jetstream.RawStreamMsg) *worker.DeadLetter {
	h := raw.Header
	if h == nil {
		h = nats.Header{}
	}
	entry := &worker.DeadLetter{
		ID:               strconv.FormatUint(raw.Sequence, 10),
		JobID:            h.Get(hdrJobID),
		JobType:          h.Get(hdrJobType),
		Error:            h.Get(hdrError),
		Category:         h.Get(hdrCategory),
		OriginalSequence: h.Get(hdrOriginalSequence),
		Source:           h.Get(hdrSource),
		WorkerID:         h.Get(hdrWorkerID),
		FailedAt:         raw.Time,
	}
	if raw.Data != nil {
		entry.Payload = raw.Data
		entry.JobData = worker.RawJSON(raw.Data)
	} else {
		entry.JobData = json.RawMessage("null")
	}
	if n, err := strconv.ParseUint(h.Get(hdrRetryCount), 10, 32); err == nil {
		entry.RetryCount = uint32(n)
	}
	if n, err := strconv.ParseUint(h.Get(hdrDeliveryCount), 10, 64); err == nil {
		entry.DeliveryCount = n
	}
	if t, err := time.Parse(time.RFC3339Nano, h.Get(hdrFailedAt)); err == nil {
		entry.FailedAt = t
	}
	return entry
}
