package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/streamworker/internal/metrics"
	"github.com/aceteam-ai/streamworker/internal/usage"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrDrainTimeout is returned by Run when in-flight jobs outlive the drain deadline.
var ErrDrainTimeout = errors.New("drain deadline exceeded")

// failureSerialisation labels jobs_failed_total for undecodable payloads.
const failureSerialisation = "serialisation"

// State is the worker lifecycle: Starting → Running → Draining → Stopped.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the worker tunables.
type Config struct {
	// WorkerID identifies this worker instance (default: worker-<uuid8>)
	WorkerID string

	// BatchSize is the maximum number of messages per fetch (default: 10)
	BatchSize int

	// FetchTimeout bounds each fetch call (default: 5s)
	FetchTimeout time.Duration

	// MaxConcurrentJobs bounds in-flight processor invocations (default: 10).
	// Keep it below the database pool size minus a margin.
	MaxConcurrentJobs int

	// MaxDeliver is the backend delivery ceiling; 0 disables the check.
	MaxDeliver uint64

	// AckWait is how long the backend waits before redelivering (default: 30s)
	AckWait time.Duration

	// DrainTimeout bounds the wait for in-flight jobs on shutdown (default: 30s)
	DrainTimeout time.Duration

	// RateLimitRPS enables a worker-side admission limiter when > 0.
	RateLimitRPS   float64
	RateLimitBurst int

	// FetchErrorDelay is the pause after a failed fetch (default: 1s)
	FetchErrorDelay time.Duration

	// InfoInterval is how often stream gauges are refreshed (default: 30s)
	InfoInterval time.Duration

	// Jitter adds up to 10% to retry delays.
	Jitter bool

	// PanicThreshold is the number of consecutive processor panics after
	// which the processor is reported unhealthy (default: 3)
	PanicThreshold int

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Health  HealthReporter

	// JobRecordFn is called after every attempt (for the usage ledger)
	JobRecordFn func(record usage.Record)
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 10
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 1
	}
	if c.FetchErrorDelay <= 0 {
		c.FetchErrorDelay = time.Second
	}
	if c.InfoInterval <= 0 {
		c.InfoInterval = 30 * time.Second
	}
	if c.PanicThreshold <= 0 {
		c.PanicThreshold = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	if c.Health == nil {
		c.Health = nopHealth{}
	}
}

type nopHealth struct{}

func (nopHealth) SetStreamConnected(bool) {}
func (nopHealth) SetProcessorHealthy(bool) {}

// Worker owns a Consumer and a bounded pool of per-message goroutines.
type Worker[J Job[J]] struct {
	consumer  Consumer
	dlq       DeadLetterSink
	processor Processor[J]
	config    Config

	log     *slog.Logger
	metrics *metrics.Scope
	health  HealthReporter
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	wg       sync.WaitGroup
	state    atomic.Int32
	inFlight atomic.Int64
	panics   atomic.Int32

	// abandon is closed when the drain deadline passes.
	abandon     chan struct{}
	abandonOnce sync.Once

	// lastInfo is only touched by the fetch loop.
	lastInfo time.Time
}

// New creates a worker. dlq receives permanent failures and exhausted retries.
func New[J Job[J]](consumer Consumer, dlq DeadLetterSink, processor Processor[J], config Config) *Worker[J] {
	config.applyDefaults()

	w := &Worker[J]{
		consumer:  consumer,
		dlq:       dlq,
		processor: processor,
		config:    config,
		log: config.Logger.With(
			"stream", consumer.Stream(),
			"processor", processor.Name(),
			"worker_id", config.WorkerID,
		),
		metrics: config.Metrics.For(consumer.Stream(), processor.Name()),
		health:  config.Health,
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrentJobs)),
		abandon: make(chan struct{}),
	}
	if config.RateLimitRPS > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst)
	}
	return w
}

// State returns the current lifecycle state.
func (w *Worker[J]) State() State {
	return State(w.state.Load())
}

// InFlight returns the number of processor invocations currently running.
func (w *Worker[J]) InFlight() int64 {
	return w.inFlight.Load()
}

// WorkerID returns the instance identifier.
func (w *Worker[J]) WorkerID() string {
	return w.config.WorkerID
}

// Run connects the consumer and processes jobs until ctx is cancelled.
// Cancelling ctx is the shutdown signal: no fetch starts afterwards, in-flight
// jobs are awaited up to DrainTimeout and are never cancelled themselves.
func (w *Worker[J]) Run(ctx context.Context) error {
	w.state.Store(int32(StateStarting))
	w.log.Info("starting worker",
		"backend", w.consumer.Name(),
		"batch_size", w.config.BatchSize,
		"max_concurrent_jobs", w.config.MaxConcurrentJobs,
		"rate_limit_rps", w.config.RateLimitRPS,
	)

	if err := w.consumer.Connect(ctx); err != nil {
		w.health.SetStreamConnected(false)
		w.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to connect to %s: %w", w.consumer.Name(), err)
	}
	w.health.SetStreamConnected(true)

	if hook, ok := any(w.processor).(StartHook); ok {
		if err := hook.OnStart(ctx); err != nil {
			w.consumer.Close()
			w.state.Store(int32(StateStopped))
			return fmt.Errorf("processor %s failed to start: %w", w.processor.Name(), err)
		}
	}

	w.state.Store(int32(StateRunning))
	w.log.Info("worker started, listening for jobs")

	w.loop(ctx, context.WithoutCancel(ctx))
	return w.drain()
}

func (w *Worker[J]) loop(ctx, procCtx context.Context) {
	for ctx.Err() == nil {
		w.refreshInfo(ctx)

		// Hold a slot before fetching so nothing is fetched that cannot start.
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		max := w.config.BatchSize
		if free := w.config.MaxConcurrentJobs - int(w.inFlight.Load()); free < max {
			max = free
		}
		if max < 1 {
			max = 1
		}

		batch, err := w.fetch(ctx, max)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrConsumerClosed) {
				w.log.Warn("consumer closed, stopping fetch loop")
				return
			}
			w.metrics.FetchError()
			w.health.SetStreamConnected(false)
			w.log.Warn("error fetching jobs", "error", err, "retry_in", w.config.FetchErrorDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.FetchErrorDelay):
			}
			continue
		}
		w.health.SetStreamConnected(true)

		if len(batch) == 0 {
			w.sem.Release(1)
			continue
		}
		w.dispatch(ctx, procCtx, batch)
	}
}

// fetch runs NextBatch but returns as soon as ctx is cancelled. A batch that
// arrives after that is handed back to the backend.
func (w *Worker[J]) fetch(ctx context.Context, max int) ([]*Delivery, error) {
	type fetched struct {
		batch []*Delivery
		err   error
	}
	ch := make(chan fetched, 1)
	go func() {
		batch, err := w.consumer.NextBatch(ctx, max, w.config.FetchTimeout)
		ch <- fetched{batch: batch, err: err}
	}()

	select {
	case f := <-ch:
		return f.batch, f.err
	case <-ctx.Done():
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			f := <-ch
			w.skipAll(f.batch, "shutdown")
		}()
		return nil, ctx.Err()
	}
}

// dispatch spawns one goroutine per delivery. The caller holds one semaphore
// slot, which the first delivery inherits.
func (w *Worker[J]) dispatch(ctx, procCtx context.Context, batch []*Delivery) {
	for i, d := range batch {
		if i > 0 {
			if ctx.Err() != nil || w.sem.Acquire(ctx, 1) != nil {
				w.skipAll(batch[i:], "shutdown")
				return
			}
		}
		if ctx.Err() != nil || !w.admit(ctx) {
			w.sem.Release(1)
			w.skipAll(batch[i:], "shutdown")
			return
		}

		w.wg.Add(1)
		w.metrics.SetInFlight(w.inFlight.Add(1))
		go w.handle(procCtx, d)
	}
}

// admit waits on the rate limiter, if one is configured.
func (w *Worker[J]) admit(ctx context.Context) bool {
	if w.limiter == nil {
		return true
	}
	r := w.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return true
	}
	w.metrics.RateLimited()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		r.Cancel()
		return false
	}
}

func (w *Worker[J]) skipAll(batch []*Delivery, reason string) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range batch {
		if err := w.consumer.Release(ctx, d); err != nil {
			w.log.Warn("failed to release delivery", "message_id", d.MessageID, "error", err)
		}
		meta := peekHeader(d.Data)
		w.record(d, meta.ID, meta.Type, meta.RetryCount, time.Now(), Result{Kind: ResultSkipped, Reason: reason})
	}
	w.log.Info("handed back unprocessed deliveries", "count", len(batch), "reason", reason)
}

func (w *Worker[J]) handle(ctx context.Context, d *Delivery) {
	defer w.wg.Done()
	defer w.sem.Release(1)
	defer func() { w.metrics.SetInFlight(w.inFlight.Add(-1)) }()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic in worker task", "message_id", d.MessageID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	w.metrics.JobReceived()
	if d.Claimed {
		w.metrics.MessagesClaimed(1)
	}
	w.process(ctx, d)
}

func (w *Worker[J]) process(ctx context.Context, d *Delivery) {
	started := time.Now()

	var job J
	if err := json.Unmarshal(d.Data, &job); err != nil {
		meta := peekHeader(d.Data)
		w.metrics.JobFailed(failureSerialisation)
		w.log.Warn("undecodable job, moving to DLQ", "message_id", d.MessageID, "error", err)
		res := w.deadLetter(ctx, d, meta.ID, meta.Type, meta.RetryCount, failureSerialisation, Permanentf("decode job: %w", err))
		res.Duration = time.Since(started)
		w.record(d, meta.ID, meta.Type, meta.RetryCount, started, res)
		return
	}

	attempt := effectiveAttempt(job.RetryCount(), d.DeliveryCount)
	for n := attempt - job.RetryCount(); n > 0; n-- {
		job = job.WithRetry()
	}
	ctx = withEvent(ctx, Event[J]{
		Job:           job,
		MessageID:     d.MessageID,
		DeliveryCount: d.DeliveryCount,
		CreatedAt:     d.CreatedAt,
		DeliveredAt:   d.DeliveredAt,
	})
	log := w.log.With(
		"job_id", job.JobID(),
		"message_id", d.MessageID,
		"delivery_count", d.DeliveryCount,
		"retry_count", attempt,
	)

	var res Result
	if w.config.MaxDeliver > 0 && d.DeliveryCount > w.config.MaxDeliver {
		log.Warn("job exceeded max deliveries, moving to DLQ", "max_deliver", w.config.MaxDeliver)
		pe := Permanentf("exceeded max deliveries (%d)", w.config.MaxDeliver)
		res = w.deadLetter(ctx, d, job.JobID(), job.JobType(), attempt, pe.Category.String(), pe)
	} else {
		res = w.attempt(ctx, d, job, attempt, log)
	}

	if hook, ok := any(w.processor).(CompleteHook[J]); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic in completion hook", "panic", r)
				}
			}()
			hook.OnComplete(ctx, job, res)
		}()
	}
	w.record(d, job.JobID(), job.JobType(), attempt, started, res)
}

func (w *Worker[J]) attempt(ctx context.Context, d *Delivery, job J, attempt uint32, log *slog.Logger) Result {
	start := time.Now()
	err := w.invoke(ctx, job)
	elapsed := time.Since(start)
	w.metrics.ObserveDuration(elapsed)

	if err == nil {
		if ackErr := w.consumer.Ack(ctx, d); ackErr != nil {
			log.Error("ack failed, message will be redelivered", "error", ackErr)
		}
		w.metrics.JobProcessed()
		if int(w.panics.Swap(0)) >= w.config.PanicThreshold {
			w.health.SetProcessorHealthy(true)
			w.metrics.CircuitBreakerTransition("closed")
		}
		log.Debug("job processed", "duration", elapsed)
		return Result{Kind: ResultSuccess, Duration: elapsed}
	}

	pe := Classify(err)
	w.metrics.JobFailed(pe.Category.String())
	if pe.Panicked() {
		if n := int(w.panics.Add(1)); n == w.config.PanicThreshold {
			log.Error("processor keeps panicking, reporting unhealthy", "consecutive_panics", n)
			w.health.SetProcessorHealthy(false)
			w.metrics.CircuitBreakerTransition("open")
		}
	}

	if !w.shouldRetry(job, attempt, pe, d) {
		log.Warn("job failed, moving to DLQ", "category", pe.Category.String(), "error", pe.Message())
		res := w.deadLetter(ctx, d, job.JobID(), job.JobType(), attempt, pe.Category.String(), pe)
		res.Duration = elapsed
		return res
	}

	retry, mErr := json.Marshal(job.WithRetry())
	if mErr != nil {
		w.metrics.JobFailed(failureSerialisation)
		res := w.deadLetter(ctx, d, job.JobID(), job.JobType(), attempt, failureSerialisation, Permanentf("serialise retry: %w", mErr))
		res.Duration = elapsed
		return res
	}

	delay := pe.Category.Backoff(attempt)
	if w.config.Jitter {
		delay = Jitter(delay)
	}
	if nakErr := w.consumer.Nak(ctx, d, retry, delay); nakErr != nil {
		log.Error("nak failed, message will be redelivered after ack wait", "error", nakErr)
	}
	w.metrics.JobRetried()
	log.Info("job failed, retrying", "category", pe.Category.String(), "delay", delay, "error", pe.Message())
	return Result{Kind: ResultRetry, Err: pe, Delay: delay, Duration: elapsed}
}

func (w *Worker[J]) shouldRetry(job J, attempt uint32, pe *ProcessingError, d *Delivery) bool {
	if !pe.Category.ShouldRetry(attempt) || attempt >= job.MaxRetries() {
		return false
	}
	if pe.Panicked() && attempt >= 1 {
		return false
	}
	// The backend stops redelivering at MaxDeliver, so the last allowed
	// delivery must not be nak'd.
	if w.config.MaxDeliver > 0 && d.DeliveryCount >= w.config.MaxDeliver {
		return false
	}
	return true
}

// invoke calls the processor, converting a panic into a transient error.
func (w *Worker[J]) invoke(ctx context.Context, job J) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("processor panic", "job_id", job.JobID(), "panic", r, "stack", string(debug.Stack()))
			err = panicError(r)
		}
	}()
	return w.processor.Process(ctx, job)
}

// deadLetter appends the delivery to the DLQ and only then acks the source.
// If the append fails the source stays unacked and is redelivered later,
// except on the last delivery, which is held until the append succeeds.
func (w *Worker[J]) deadLetter(ctx context.Context, d *Delivery, jobID, jobType string, retryCount uint32, category string, pe *ProcessingError) Result {
	entry := &DeadLetter{
		JobID:            jobID,
		JobType:          jobType,
		JobData:          RawJSON(d.Data),
		Payload:          d.Data,
		Error:            pe.Message(),
		Category:         category,
		OriginalSequence: d.MessageID,
		Source:           d.Stream,
		RetryCount:       retryCount,
		DeliveryCount:    d.DeliveryCount,
		WorkerID:         w.config.WorkerID,
		FailedAt:         time.Now().UTC(),
	}

	id, err := w.dlq.MoveToDLQ(ctx, entry)
	if err != nil && w.lastDelivery(d) {
		id, err = w.holdForDLQ(ctx, d, entry, err)
	}
	if err != nil {
		w.log.Error("failed to move job to DLQ, leaving it for redelivery",
			"job_id", jobID, "message_id", d.MessageID, "error", err)
		return Result{Kind: ResultRetry, Err: Transientf("dead-letter append: %w", err), Delay: w.config.AckWait}
	}
	if err := w.consumer.Ack(ctx, d); err != nil {
		w.log.Error("ack after DLQ move failed", "job_id", jobID, "message_id", d.MessageID, "dlq_id", id, "error", err)
	}
	w.metrics.JobMovedToDLQ()
	return Result{Kind: ResultDeadLetter, Err: pe, DeadLetterID: id}
}

// lastDelivery reports whether the backend will not hand d out again.
func (w *Worker[J]) lastDelivery(d *Delivery) bool {
	return w.config.MaxDeliver > 0 && d.DeliveryCount >= w.config.MaxDeliver
}

// holdForDLQ retries the append with transient backoff, extending the
// delivery's ack deadline every AckWait/2 so the backend keeps it pending.
// It gives up only when the drain deadline passes.
func (w *Worker[J]) holdForDLQ(ctx context.Context, d *Delivery, entry *DeadLetter, err error) (string, error) {
	log := w.log.With("job_id", entry.JobID, "message_id", d.MessageID)
	log.Error("failed to move job to DLQ on its last delivery, holding it", "error", err)

	ext, _ := w.consumer.(Extender)
	step := max(w.config.AckWait/2, 10*time.Millisecond)
	for n := uint32(0); ; n++ {
		deadline := time.Now().Add(CategoryTransient.Backoff(n))
		for wait := time.Until(deadline); wait > 0; wait = time.Until(deadline) {
			if ext != nil {
				if xerr := ext.Extend(ctx, d); xerr != nil {
					log.Warn("failed to extend ack deadline", "error", xerr)
				}
			}
			t := time.NewTimer(min(step, wait))
			select {
			case <-t.C:
			case <-w.abandon:
				t.Stop()
				log.Error("drain deadline passed with dead letter unwritten, message may be lost", "attempts", n+1, "error", err)
				return "", err
			}
		}

		id, aerr := w.dlq.MoveToDLQ(ctx, entry)
		if aerr == nil {
			log.Info("dead letter written after DLQ recovered", "attempts", n+2, "dlq_id", id)
			return id, nil
		}
		err = aerr
	}
}

func (w *Worker[J]) drain() error {
	w.state.Store(int32(StateDraining))
	w.log.Info("shutting down, draining in-flight jobs", "in_flight", w.inFlight.Load(), "deadline", w.config.DrainTimeout)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	timer := time.NewTimer(w.config.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		n := w.inFlight.Load()
		w.log.Warn("drain deadline exceeded, abandoning in-flight jobs to redelivery", "in_flight", n)
		w.abandonOnce.Do(func() { close(w.abandon) })
		err = fmt.Errorf("%w: %d jobs still in flight", ErrDrainTimeout, n)
	}

	if cerr := w.consumer.Close(); cerr != nil {
		w.log.Warn("failed to close consumer", "error", cerr)
	}
	w.state.Store(int32(StateStopped))
	w.log.Info("worker shutdown complete")
	return err
}

func (w *Worker[J]) refreshInfo(ctx context.Context) {
	ip, ok := w.consumer.(InfoProvider)
	if !ok || time.Since(w.lastInfo) < w.config.InfoInterval {
		return
	}
	w.lastInfo = time.Now()

	infoCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	info, err := ip.Info(infoCtx)
	if err != nil {
		w.log.Debug("stream info unavailable", "error", err)
		return
	}
	w.metrics.SetStreamDepth(info.Depth)
	w.metrics.SetPendingCount(info.Pending)
	w.metrics.SetDLQDepth(info.DLQDepth)
}

func (w *Worker[J]) record(d *Delivery, jobID, jobType string, attempt uint32, started time.Time, res Result) {
	if w.config.JobRecordFn == nil {
		return
	}
	completed := time.Now()
	r := usage.Record{
		JobID:         jobID,
		JobType:       jobType,
		MessageID:     d.MessageID,
		Stream:        w.consumer.Stream(),
		Processor:     w.processor.Name(),
		WorkerID:      w.config.WorkerID,
		Status:        string(res.Kind),
		Attempt:       int64(attempt),
		DeliveryCount: int64(min(d.DeliveryCount, math.MaxInt64)),
		StartedAt:     started,
		CompletedAt:   completed,
		DurationMs:    completed.Sub(started).Milliseconds(),
	}
	switch {
	case res.Err != nil:
		msg := res.Err.Error()
		if len(msg) > 1024 {
			msg = msg[:1024]
		}
		r.ErrorMessage = msg
	case res.Reason != "":
		r.ErrorMessage = res.Reason
	}
	w.config.JobRecordFn(r)
}

// effectiveAttempt reconciles the payload retry count with the backend's
// delivery count. Backends that redeliver unchanged bytes (JetStream naks,
// Redis reclaims) only advance the latter.
func effectiveAttempt(retryCount uint32, deliveryCount uint64) uint32 {
	if deliveryCount <= 1 {
		return retryCount
	}
	byDelivery := deliveryCount - 1
	if byDelivery > math.MaxUint32 {
		byDelivery = math.MaxUint32
	}
	if uint32(byDelivery) > retryCount {
		return uint32(byDelivery)
	}
	return retryCount
}
