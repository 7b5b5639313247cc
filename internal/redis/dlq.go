package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/redis/go-redis/v9"
)

// ErrEntryNotFound is returned for DLQ ids that don't exist.
var ErrEntryNotFound = worker.ErrEntryNotFound

// DLQ is the dead-letter stream for the configured domain. Entries are
// stored as flat fields; job_data holds the original payload bytes.
type DLQ struct {
	c      *Client
	stream string
	source string
	maxLen int64
	maxAge time.Duration
}

var _ worker.DeadLetterStore = (*DLQ)(nil)

// DLQ returns the domain's dead-letter stream.
func (c *Client) DLQ() *DLQ {
	return &DLQ{
		c:      c,
		stream: c.cfg.DLQName(),
		source: c.cfg.StreamName(),
		maxLen: c.cfg.DLQMaxLength,
		maxAge: c.cfg.DLQRetention,
	}
}

// Name returns the dead-letter stream key.
func (q *DLQ) Name() string { return q.stream }

// MoveToDLQ appends the entry and returns its id in the dead-letter stream.
func (q *DLQ) MoveToDLQ(ctx context.Context, entry *worker.DeadLetter) (string, error) {
	if entry.Source == "" {
		entry.Source = q.source
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"job_id":            entry.JobID,
		"job_type":          entry.JobType,
		"job_data":          entry.RawPayload(),
		"error":             entry.Error,
		"category":          entry.Category,
		"original_sequence": entry.OriginalSequence,
		"source":            entry.Source,
		"retry_count":       entry.RetryCount,
		"delivery_count":    entry.DeliveryCount,
		"worker_id":         entry.WorkerID,
		"failed_at":         entry.FailedAt.UTC().Format(time.RFC3339Nano),
	}

	id, err := q.append(ctx, entry, fields)
	if err != nil {
		return "", fmt.Errorf("failed to append to DLQ %s: %w", q.stream, err)
	}
	entry.ID = id

	// Age-based retention is best effort; the length cap above always applies.
	minID := strconv.FormatInt(time.Now().Add(-q.maxAge).UnixMilli(), 10) + "-0"
	if err := q.c.rdb.XTrimMinIDApprox(ctx, q.stream, minID, 0).Err(); err != nil {
		q.c.log.Debug("DLQ retention trim failed", "error", err)
	}
	return id, nil
}

// appendOnce adds the entry unless the same source message was already
// dead-lettered, in which case it returns the earlier entry's id.
// KEYS: dlq stream, seen marker. ARGV: maxlen, marker ttl ms, field/value pairs.
var appendOnce = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing then
	return existing
end
local id = redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[1], '*', unpack(ARGV, 3))
redis.call('SET', KEYS[2], id, 'PX', ARGV[2])
return id
`)

func (q *DLQ) append(ctx context.Context, entry *worker.DeadLetter, fields map[string]interface{}) (string, error) {
	if entry.OriginalSequence == "" {
		return q.c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			MaxLen: q.maxLen,
			Approx: true,
			Values: fields,
		}).Result()
	}

	args := make([]interface{}, 0, 2+2*len(fields))
	args = append(args, q.maxLen, q.maxAge.Milliseconds())
	for k, v := range fields {
		args = append(args, k, v)
	}
	keys := []string{q.stream, q.seenKey(entry.Source, entry.OriginalSequence)}
	return appendOnce.Run(ctx, q.c.rdb, keys, args...).Text()
}

// seenKey marks a source message as dead-lettered.
func (q *DLQ) seenKey(source, seq string) string {
	return q.stream + ":seen:" + source + ":" + seq
}

// List returns up to limit entries, oldest first.
func (q *DLQ) List(ctx context.Context, limit int) ([]*worker.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := q.c.rdb.XRangeN(ctx, q.stream, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ %s: %w", q.stream, err)
	}
	entries := make([]*worker.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, parseEntry(msg))
	}
	return entries, nil
}

// Peek returns one entry.
func (q *DLQ) Peek(ctx context.Context, id string) (*worker.DeadLetter, error) {
	msgs, err := q.c.rdb.XRange(ctx, q.stream, id, id).Result()
	if err != nil {
		if strings.Contains(err.Error(), "Invalid stream ID") {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		return nil, fmt.Errorf("failed to read DLQ entry %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return parseEntry(msgs[0]), nil
}

// Replay re-appends the job to its source stream with retry_count reset
// and deletes the DLQ entry.
func (q *DLQ) Replay(ctx context.Context, id string) (string, error) {
	entry, err := q.Peek(ctx, id)
	if err != nil {
		return "", err
	}
	source := entry.Source
	if source == "" {
		source = q.source
	}

	newID, err := q.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: source,
		MaxLen: q.c.cfg.MaxLength,
		Approx: true,
		Values: []any{payloadField, worker.ResetRetries(entry.RawPayload())},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to replay %s to %s: %w", id, source, err)
	}
	if err := q.c.rdb.XDel(ctx, q.stream, id).Err(); err != nil {
		return newID, fmt.Errorf("replayed %s as %s but failed to delete it: %w", id, newID, err)
	}
	return newID, nil
}

// Delete removes one entry.
func (q *DLQ) Delete(ctx context.Context, id string) error {
	n, err := q.c.rdb.XDel(ctx, q.stream, id).Result()
	if err != nil {
		if strings.Contains(err.Error(), "Invalid stream ID") {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		return fmt.Errorf("failed to delete DLQ entry %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return nil
}

// Depth returns the number of entries.
func (q *DLQ) Depth(ctx context.Context) (int64, error) {
	n, err := q.c.rdb.XLen(ctx, q.stream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("xlen %s: %w", q.stream, err)
	}
	return n, nil
}

func parseEntry(msg redis.XMessage) *worker.DeadLetter {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	entry := &worker.DeadLetter{
		ID:               msg.ID,
		JobID:            str("job_id"),
		JobType:          str("job_type"),
		Error:            str("error"),
		Category:         str("category"),
		OriginalSequence: str("original_sequence"),
		Source:           str("source"),
		WorkerID:         str("worker_id"),
	}
	if data, ok := msg.Values["job_data"].(string); ok {
		entry.Payload = []byte(data)
		entry.JobData = worker.RawJSON(entry.Payload)
	} else {
		entry.JobData = json.RawMessage("null")
	}
	if n, err := strconv.ParseUint(str("retry_count"), 10, 32); err == nil {
		entry.RetryCount = uint32(n)
	}
	if n, err := strconv.ParseUint(str("delivery_count"), 10, 64); err == nil {
		entry.DeliveryCount = n
	}
	if t, err := time.Parse(time.RFC3339Nano, str("failed_at")); err == nil {
		entry.FailedAt = t
	}
	return entry
}
