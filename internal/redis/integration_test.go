package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aceteam-ai/streamworker/internal/metrics"
	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen []worker.Envelope
	fn   func(job worker.Envelope) error
}

func (p *recordingProcessor) Name() string { return "recording" }

func (p *recordingProcessor) Process(ctx context.Context, job worker.Envelope) error {
	p.mu.Lock()
	p.seen = append(p.seen, job)
	p.mu.Unlock()
	if p.fn == nil {
		return nil
	}
	return p.fn(job)
}

func (p *recordingProcessor) calls() []worker.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]worker.Envelope(nil), p.seen...)
}

// flakySink fails every append while down is set.
type flakySink struct {
	worker.DeadLetterSink
	down     atomic.Bool
	failures atomic.Int32
}

func (s *flakySink) MoveToDLQ(ctx context.Context, entry *worker.DeadLetter) (string, error) {
	if s.down.Load() {
		s.failures.Add(1)
		return "", errors.New("dlq stream unavailable")
	}
	return s.DeadLetterSink.MoveToDLQ(ctx, entry)
}

func runWorker(t *testing.T, client *Client, proc *recordingProcessor) (stop func() error) {
	t.Helper()
	return runWorkerWith(t, client, client.DLQ(), proc, worker.Config{})
}

func runWorkerWith(t *testing.T, client *Client, dlq worker.DeadLetterSink, proc *recordingProcessor, cfg worker.Config) (stop func() error) {
	t.Helper()
	cfg.WorkerID = "it-worker"
	cfg.BatchSize = 10
	cfg.FetchTimeout = 20 * time.Millisecond
	cfg.DrainTimeout = 5 * time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Metrics = metrics.NewRecorder(prometheus.NewRegistry())
	w := worker.New[worker.Envelope](client.Consumer(), dlq, proc, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			err = <-done
		})
		return err
	}
	t.Cleanup(func() { stop() })
	return stop
}

func send(t *testing.T, client *Client, job worker.Envelope) {
	t.Helper()
	if _, err := worker.NewProducer[worker.Envelope](client.Publisher()).Send(context.Background(), job); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerEndToEndSuccess(t *testing.T) {
	_, client, raw := setupMiniredis(t, Config{})
	ctx := context.Background()
	proc := &recordingProcessor{}

	stop := runWorker(t, client, proc)
	send(t, client, worker.Envelope{ID: "job-1", Type: "email"})

	eventually(t, 3*time.Second, func() bool { return len(proc.calls()) == 1 })
	eventually(t, 3*time.Second, func() bool { return raw.XLen(ctx, "test:email").Val() == 0 })
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pending, _ := raw.XPending(ctx, "test:email", "test_workers").Result()
	if pending.Count != 0 {
		t.Errorf("pending = %d, want 0", pending.Count)
	}
	if n := raw.XLen(ctx, "test:dlq").Val(); n != 0 {
		t.Errorf("DLQ length = %d, want 0", n)
	}
}

func TestWorkerEndToEndRetryThenDLQ(t *testing.T) {
	_, client, raw := setupMiniredis(t, Config{})
	ctx := context.Background()
	proc := &recordingProcessor{fn: func(worker.Envelope) error {
		return errors.New("upstream unavailable")
	}}

	runWorker(t, client, proc)
	send(t, client, worker.Envelope{ID: "job-2", Limit: 1})

	// One retry after the 1s transient backoff, then the DLQ.
	eventually(t, 5*time.Second, func() bool { return raw.XLen(ctx, "test:dlq").Val() == 1 })

	calls := proc.calls()
	if len(calls) != 2 {
		t.Fatalf("processor calls = %d, want 2", len(calls))
	}
	if calls[0].RetryCount() != 0 || calls[1].RetryCount() != 1 {
		t.Errorf("retry counts = %d, %d; want 0, 1", calls[0].RetryCount(), calls[1].RetryCount())
	}

	entries, err := client.DLQ().List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if entries[0].JobID != "job-2" || entries[0].RetryCount != 1 || entries[0].Category != "transient" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].WorkerID != "it-worker" {
		t.Errorf("WorkerID = %q, want it-worker", entries[0].WorkerID)
	}
	if n := raw.XLen(ctx, "test:email").Val(); n != 0 {
		t.Errorf("source length = %d, want 0", n)
	}
	if n := raw.ZCard(ctx, "test:email:delayed").Val(); n != 0 {
		t.Errorf("delayed set = %d, want 0", n)
	}
}

func TestWorkerEndToEndPermanentAndReplay(t *testing.T) {
	_, client, raw := setupMiniredis(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	fail := true
	proc := &recordingProcessor{fn: func(worker.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return worker.Permanentf("invalid recipient")
		}
		return nil
	}}

	runWorker(t, client, proc)
	send(t, client, worker.Envelope{ID: "job-3"})
	eventually(t, 3*time.Second, func() bool { return raw.XLen(ctx, "test:dlq").Val() == 1 })

	entries, _ := client.DLQ().List(ctx, 1)
	mu.Lock()
	fail = false
	mu.Unlock()

	if _, err := client.DLQ().Replay(ctx, entries[0].ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	eventually(t, 3*time.Second, func() bool { return len(proc.calls()) == 2 })

	if got := proc.calls()[1]; got.ID != "job-3" || got.RetryCount() != 0 {
		t.Errorf("replayed job = %+v", got)
	}
	if n := raw.XLen(ctx, "test:dlq").Val(); n != 0 {
		t.Errorf("DLQ length after replay = %d, want 0", n)
	}
}

func TestWorkerEndToEndDrain(t *testing.T) {
	_, client, raw := setupMiniredis(t, Config{})
	ctx := context.Background()

	started := make(chan struct{}, 1)
	proc := &recordingProcessor{fn: func(worker.Envelope) error {
		started <- struct{}{}
		time.Sleep(150 * time.Millisecond)
		return nil
	}}

	stop := runWorker(t, client, proc)
	send(t, client, worker.Envelope{ID: "job-4"})
	<-started

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := raw.XLen(ctx, "test:email").Val(); n != 0 {
		t.Errorf("source length after drain = %d, want 0 (job acked)", n)
	}
}

func TestWorkerEndToEndDLQOutageOnLastDelivery(t *testing.T) {
	_, client, raw := setupMiniredis(t, Config{AckWait: 300 * time.Millisecond, ClaimInterval: 50 * time.Millisecond})
	ctx := context.Background()
	proc := &recordingProcessor{fn: func(worker.Envelope) error {
		return worker.Permanentf("invalid recipient")
	}}
	sink := &flakySink{DeadLetterSink: client.DLQ()}
	sink.down.Store(true)

	runWorkerWith(t, client, sink, proc, worker.Config{MaxDeliver: 2, AckWait: 300 * time.Millisecond})
	send(t, client, worker.Envelope{ID: "job-5"})

	// Delivery 1 stays pending and is reclaimed once idle. Delivery 2 is the
	// last one; holding it keeps it from being reclaimed again.
	eventually(t, 3*time.Second, func() bool { return len(proc.calls()) == 2 })
	time.Sleep(1500 * time.Millisecond)

	if got := len(proc.calls()); got != 2 {
		t.Fatalf("processor calls while held = %d, want 2", got)
	}
	if n := raw.XLen(ctx, "test:email").Val(); n != 1 {
		t.Errorf("source length while held = %d, want 1", n)
	}
	if n := raw.XLen(ctx, "test:dlq").Val(); n != 0 {
		t.Errorf("DLQ length while down = %d, want 0", n)
	}

	sink.down.Store(false)
	eventually(t, 6*time.Second, func() bool { return raw.XLen(ctx, "test:dlq").Val() == 1 })
	eventually(t, 3*time.Second, func() bool { return raw.XLen(ctx, "test:email").Val() == 0 })

	pending, _ := raw.XPending(ctx, "test:email", "test_workers").Result()
	if pending.Count != 0 {
		t.Errorf("pending = %d, want 0", pending.Count)
	}
	if got := len(proc.calls()); got != 2 {
		t.Errorf("processor calls = %d, want 2", got)
	}
	if got := sink.failures.Load(); got < 3 {
		t.Errorf("failed appends = %d, want at least 3", got)
	}
	entries, err := client.DLQ().List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "job-5" || entries[0].DeliveryCount != 2 {
		t.Errorf("entries = %+v, want one job-5 entry from delivery 2", entries)
	}
}
