package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// promoteScript moves due members of the delayed set onto the stream.
// Members are "<uuid>|<payload>"; ARGV = now (ms), limit, maxlen.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  local sep = string.find(member, '|', 1, true)
  if sep then
    redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'job', string.sub(member, sep + 1))
  end
  redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// Consumer reads the source stream as one member of the consumer group.
type Consumer struct {
	c       *Client
	stream  string
	group   string
	name    string
	delayed string
	log     *slog.Logger
	closed  atomic.Bool

	mu        sync.Mutex
	lastClaim time.Time
	// claimCursor is where the next XAUTOCLAIM scan resumes; "" restarts it.
	claimCursor string
}

var (
	_ worker.Consumer     = (*Consumer)(nil)
	_ worker.InfoProvider = (*Consumer)(nil)
	_ worker.Extender     = (*Consumer)(nil)
)

// Consumer returns a group member named after Config.Instance, or
// "<worker>-<uuid8>" when no instance is configured.
func (c *Client) Consumer() *Consumer {
	name := c.cfg.Instance
	if name == "" {
		name = fmt.Sprintf("%s-%s", c.cfg.WorkerName, uuid.New().String()[:8])
	}
	return &Consumer{
		c:       c,
		stream:  c.cfg.StreamName(),
		group:   c.cfg.GroupName(),
		name:    name,
		delayed: DelayedKey(c.cfg.StreamName()),
		log:     c.log.With("consumer", name),
	}
}

func (k *Consumer) Name() string { return "redis" }

func (k *Consumer) Stream() string { return k.stream }

// ConsumerName returns this instance's name within the group.
func (k *Consumer) ConsumerName() string { return k.name }

// Connect ensures the stream and consumer group exist.
func (k *Consumer) Connect(ctx context.Context) error {
	if err := k.c.EnsureGroup(ctx); err != nil {
		return err
	}
	k.log.Info("joined consumer group", "group", k.group)
	return nil
}

// NextBatch promotes due retries, periodically reclaims abandoned deliveries,
// then reads new entries for up to wait.
func (k *Consumer) NextBatch(ctx context.Context, max int, wait time.Duration) ([]*worker.Delivery, error) {
	if k.closed.Load() {
		return nil, worker.ErrConsumerClosed
	}

	if _, err := k.PromoteDue(ctx, time.Now()); err != nil {
		return nil, err
	}

	if k.claimDue() {
		claimed, err := k.ClaimAbandoned(ctx, k.c.cfg.AckWait, max)
		if err != nil {
			k.log.Warn("failed to claim abandoned messages", "error", err)
		} else if len(claimed) > 0 {
			return claimed, nil
		}
	}

	// Block 0 would wait forever; -1 omits BLOCK entirely.
	block := wait
	if block < time.Millisecond {
		block = -1
	}
	streams, err := k.c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    k.group,
		Consumer: k.name,
		Streams:  []string{k.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			k.log.Warn("consumer group missing, recreating", "group", k.group)
			return nil, k.c.EnsureGroup(ctx)
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	now := time.Now()
	var batch []*worker.Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			d := k.delivery(msg, 1, now)
			if d == nil {
				continue
			}
			batch = append(batch, d)
		}
	}
	return batch, nil
}

func (k *Consumer) claimDue() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if time.Since(k.lastClaim) < k.c.cfg.ClaimInterval {
		return false
	}
	k.lastClaim = time.Now()
	return true
}

// PromoteDue moves delayed retries whose due time has passed onto the stream.
func (k *Consumer) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := promoteScript.Run(ctx, k.c.rdb,
		[]string{k.delayed, k.stream},
		now.UnixMilli(), k.c.cfg.ClaimBatch, k.c.cfg.MaxLength,
	).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to promote delayed retries: %w", err)
	}
	if n > 0 {
		k.log.Debug("promoted delayed retries", "count", n)
	}
	return n, nil
}

// ClaimAbandoned takes over deliveries idle for at least minIdle from any
// member of the group. Each call resumes the PEL scan where the previous one
// stopped, so a full page of young entries cannot hide older ones behind it.
// Entries whose data is gone are acked and dropped.
func (k *Consumer) ClaimAbandoned(ctx context.Context, minIdle time.Duration, max int) ([]*worker.Delivery, error) {
	k.mu.Lock()
	start := k.claimCursor
	k.mu.Unlock()
	if start == "" {
		start = "0-0"
	}

	msgs, next, err := k.c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   k.stream,
		Group:    k.group,
		Consumer: k.name,
		MinIdle:  minIdle,
		Start:    start,
		Count:    int64(max),
	}).Result()
	if err == nil || errors.Is(err, redis.Nil) {
		k.mu.Lock()
		k.claimCursor = next
		k.mu.Unlock()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", k.stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts := k.deliveryCounts(ctx, msgs)
	now := time.Now()
	var batch []*worker.Delivery
	for _, msg := range msgs {
		d := k.delivery(msg, counts[msg.ID], now)
		if d == nil {
			continue
		}
		d.Claimed = true
		batch = append(batch, d)
	}
	if len(batch) > 0 {
		k.log.Info("claimed abandoned messages", "count", len(batch), "min_idle", minIdle)
	}
	return batch, nil
}

// deliveryCounts looks up the PEL delivery counter for each claimed entry.
func (k *Consumer) deliveryCounts(ctx context.Context, msgs []redis.XMessage) map[string]uint64 {
	pipe := k.c.rdb.Pipeline()
	cmds := make(map[string]*redis.XPendingExtCmd, len(msgs))
	for _, msg := range msgs {
		cmds[msg.ID] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: k.stream,
			Group:  k.group,
			Start:  msg.ID,
			End:    msg.ID,
			Count:  1,
		})
	}
	pipe.Exec(ctx)

	counts := make(map[string]uint64, len(msgs))
	for id, cmd := range cmds {
		counts[id] = 2
		if pending, err := cmd.Result(); err == nil && len(pending) > 0 && pending[0].RetryCount > 0 {
			counts[id] = uint64(pending[0].RetryCount)
		}
	}
	return counts
}

// delivery converts a stream entry. Entries without a payload field are
// rendered as a JSON object of their fields so they can be dead-lettered.
func (k *Consumer) delivery(msg redis.XMessage, deliveryCount uint64, now time.Time) *worker.Delivery {
	if len(msg.Values) == 0 {
		k.log.Warn("dropping entry with no data", "message_id", msg.ID)
		k.ackAndDelete(context.Background(), msg.ID)
		return nil
	}

	var data []byte
	if v, ok := msg.Values[payloadField].(string); ok {
		data = []byte(v)
	} else {
		data, _ = json.Marshal(msg.Values)
	}

	return &worker.Delivery{
		MessageID:     msg.ID,
		Stream:        k.stream,
		Data:          data,
		DeliveryCount: deliveryCount,
		CreatedAt:     entryTime(msg.ID),
		DeliveredAt:   now,
	}
}

// Ack acknowledges the delivery and deletes the entry.
func (k *Consumer) Ack(ctx context.Context, d *worker.Delivery) error {
	if err := k.ackAndDelete(ctx, d.MessageID); err != nil {
		return fmt.Errorf("ack %s: %w", d.MessageID, err)
	}
	return nil
}

func (k *Consumer) ackAndDelete(ctx context.Context, id string) error {
	_, err := k.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, k.stream, k.group, id)
		pipe.XDel(ctx, k.stream, id)
		return nil
	})
	return err
}

// Nak schedules retry on the delayed set and retires the failed delivery in
// the same transaction.
func (k *Consumer) Nak(ctx context.Context, d *worker.Delivery, retry []byte, delay time.Duration) error {
	due := time.Now().Add(delay).UnixMilli()
	member := uuid.New().String() + "|" + string(retry)

	_, err := k.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k.delayed, redis.Z{Score: float64(due), Member: member})
		pipe.XAck(ctx, k.stream, k.group, d.MessageID)
		pipe.XDel(ctx, k.stream, d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule retry for %s: %w", d.MessageID, err)
	}
	return nil
}

// Extend re-claims d for this consumer, resetting its idle time so that
// ClaimAbandoned on other instances leaves it alone.
func (k *Consumer) Extend(ctx context.Context, d *worker.Delivery) error {
	err := k.c.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   k.stream,
		Group:    k.group,
		Consumer: k.name,
		Messages: []string{d.MessageID},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("extend %s: %w", d.MessageID, err)
	}
	return nil
}

// Release leaves the delivery pending; it is reclaimed once idle for AckWait.
func (k *Consumer) Release(ctx context.Context, d *worker.Delivery) error {
	k.log.Debug("leaving delivery pending for reclaim", "message_id", d.MessageID)
	return nil
}

// Close stops further fetches. The shared connection is closed by the Client owner.
func (k *Consumer) Close() error {
	k.closed.Store(true)
	return nil
}

// Info reports the stream state for this consumer's group.
func (k *Consumer) Info(ctx context.Context) (*worker.StreamInfo, error) {
	return k.c.Info(ctx)
}

// entryTime extracts the millisecond timestamp from a stream entry id.
func entryTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
