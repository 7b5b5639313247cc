package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/streamworker/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeConsumer is an in-memory Consumer. With redeliver set, Nak re-enqueues
// the retry payload as a fresh delivery (like the Redis delayed set does).
type fakeConsumer struct {
	mu sync.Mutex

	stream     string
	queue      []*Delivery
	nextID     int
	redeliver  bool
	connectErr error
	fetchErrs  int

	acked    []string
	naks     []nakCall
	released []string
	extended int
	closed   bool
}

type nakCall struct {
	MessageID string
	Retry     []byte
	Delay     time.Duration
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{stream: "test:jobs", redeliver: true}
}

func (c *fakeConsumer) Name() string { return "fake" }
func (c *fakeConsumer) Stream() string { return c.stream }

func (c *fakeConsumer) Connect(ctx context.Context) error {
	return c.connectErr
}

// push enqueues data as a new delivery with the given delivery count.
func (c *fakeConsumer) push(data []byte, deliveryCount uint64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushLocked(data, deliveryCount)
}

func (c *fakeConsumer) pushLocked(data []byte, deliveryCount uint64) string {
	c.nextID++
	id := fmt.Sprintf("%d-0", c.nextID)
	c.queue = append(c.queue, &Delivery{
		MessageID:     id,
		Stream:        c.stream,
		Data:          data,
		DeliveryCount: deliveryCount,
		CreatedAt:     time.Now(),
	})
	return id
}

func (c *fakeConsumer) NextBatch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConsumerClosed
	}
	if c.fetchErrs > 0 {
		c.fetchErrs--
		c.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	if len(c.queue) > 0 {
		n := min(max, len(c.queue))
		batch := c.queue[:n]
		c.queue = c.queue[n:]
		c.mu.Unlock()
		for _, d := range batch {
			d.DeliveredAt = time.Now()
		}
		return batch, nil
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(min(wait, 10*time.Millisecond)):
		return nil, nil
	}
}

func (c *fakeConsumer) Ack(ctx context.Context, d *Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, d.MessageID)
	return nil
}

func (c *fakeConsumer) Nak(ctx context.Context, d *Delivery, retry []byte, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.naks = append(c.naks, nakCall{MessageID: d.MessageID, Retry: retry, Delay: delay})
	if c.redeliver {
		c.pushLocked(retry, 1)
	}
	return nil
}

func (c *fakeConsumer) Release(ctx context.Context, d *Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, d.MessageID)
	return nil
}

func (c *fakeConsumer) Extend(ctx context.Context, d *Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extended++
	return nil
}

func (c *fakeConsumer) extendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extended
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) ackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked)
}

func (c *fakeConsumer) nakCalls() []nakCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]nakCall(nil), c.naks...)
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDLQ collects dead letters in memory.
type fakeDLQ struct {
	mu      sync.Mutex
	entries []*DeadLetter
	err     error
}

func (q *fakeDLQ) MoveToDLQ(ctx context.Context, entry *DeadLetter) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.entries = append(q.entries, entry)
	return fmt.Sprintf("dlq-%d", len(q.entries)), nil
}

func (q *fakeDLQ) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *fakeDLQ) all() []*DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*DeadLetter(nil), q.entries...)
}

// scriptedProcessor records every job it sees and returns fn's result.
type scriptedProcessor struct {
	mu    sync.Mutex
	calls []Envelope
	fn    func(call int, job Envelope) error
}

func (p *scriptedProcessor) Name() string { return "scripted" }

func (p *scriptedProcessor) Process(ctx context.Context, job Envelope) error {
	p.mu.Lock()
	call := len(p.calls)
	p.calls = append(p.calls, job)
	p.mu.Unlock()
	if p.fn == nil {
		return nil
	}
	return p.fn(call, job)
}

func (p *scriptedProcessor) seen() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Envelope(nil), p.calls...)
}

type fakeHealth struct {
	mu        sync.Mutex
	connected []bool
	healthy   []bool
}

func (h *fakeHealth) SetStreamConnected(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, v)
}

func (h *fakeHealth) SetProcessorHealthy(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = append(h.healthy, v)
}

func (h *fakeHealth) healthyCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.healthy...)
}

func (h *fakeHealth) connectedCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.connected...)
}

func testConfig(reg *prometheus.Registry) Config {
	return Config{
		WorkerID:          "worker-test",
		BatchSize:         10,
		FetchTimeout:      20 * time.Millisecond,
		MaxConcurrentJobs: 10,
		DrainTimeout:      2 * time.Second,
		FetchErrorDelay:   10 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           metrics.NewRecorder(reg),
	}
}

func envelopeJSON(t *testing.T, id string, retries uint32) []byte {
	t.Helper()
	data, err := json.Marshal(Envelope{ID: id, Type: "test", Retries: retries, Payload: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

// startWorker runs w in the background and returns a stop function that
// cancels it and returns Run's error.
func startWorker[J Job[J]](t *testing.T, w *Worker[J]) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(10 * time.Second):
				t.Fatal("worker did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { stop() })
	return stop
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// metricValue sums every series of the named metric family.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}
