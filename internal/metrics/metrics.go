// Package metrics records worker activity as Prometheus series.
//
// All series carry the labels {stream, processor}. The recorder is process-wide
// (see Default) because Prometheus scrapes one registry per process; tests
// build their own with NewRecorder.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var baseLabels = []string{"stream", "processor"}

// Recorder owns the metric vectors.
type Recorder struct {
	received   *prometheus.CounterVec
	processed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	retried    *prometheus.CounterVec
	movedToDLQ *prometheus.CounterVec
	limited    *prometheus.CounterVec
	claimed    *prometheus.CounterVec
	fetchErrs  *prometheus.CounterVec
	breaker    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	depth      *prometheus.GaugeVec
	pending    *prometheus.GaugeVec
	dlqDepth   *prometheus.GaugeVec
	inFlight   *prometheus.GaugeVec
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns the recorder registered with prometheus.DefaultRegisterer.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewRecorder(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// NewRecorder creates the metric vectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	counter := func(name, help string, extra ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, append(append([]string{}, baseLabels...), extra...))
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, baseLabels)
	}

	r := &Recorder{
		received:   counter("jobs_received_total", "Deliveries handed to the worker."),
		processed:  counter("jobs_processed_total", "Jobs processed successfully and acked."),
		failed:     counter("jobs_failed_total", "Failed attempts by error category.", "category"),
		retried:    counter("jobs_retried_total", "Attempts scheduled for retry."),
		movedToDLQ: counter("jobs_moved_to_dlq_total", "Jobs appended to the dead-letter stream."),
		limited:    counter("rate_limited_total", "Admissions delayed by the worker rate limiter."),
		claimed:    counter("messages_claimed_total", "Abandoned deliveries reclaimed from other consumers."),
		fetchErrs:  counter("fetch_errors_total", "Failed fetch calls."),
		breaker:    counter("circuit_breaker_transitions_total", "Circuit breaker state transitions.", "state"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Processor invocation time.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, baseLabels),
		depth:    gauge("stream_depth", "Entries on the source stream."),
		pending:  gauge("pending_count", "Delivered but unacknowledged entries."),
		dlqDepth: gauge("dlq_depth", "Entries on the dead-letter stream."),
		inFlight: gauge("jobs_in_flight", "Processor invocations currently running."),
	}

	if reg != nil {
		reg.MustRegister(
			r.received, r.processed, r.failed, r.retried, r.movedToDLQ,
			r.limited, r.claimed, r.fetchErrs, r.breaker, r.duration,
			r.depth, r.pending, r.dlqDepth, r.inFlight,
		)
	}
	return r
}

// For binds the recorder to one stream and processor.
func (r *Recorder) For(stream, processor string) *Scope {
	return &Scope{r: r, labels: prometheus.Labels{"stream": stream, "processor": processor}}
}

// Scope records series for one {stream, processor} pair.
type Scope struct {
	r      *Recorder
	labels prometheus.Labels
}

func (s *Scope) JobReceived() { s.r.received.With(s.labels).Inc() }
func (s *Scope) JobProcessed() { s.r.processed.With(s.labels).Inc() }
func (s *Scope) JobRetried() { s.r.retried.With(s.labels).Inc() }
func (s *Scope) JobMovedToDLQ() { s.r.movedToDLQ.With(s.labels).Inc() }
func (s *Scope) RateLimited() { s.r.limited.With(s.labels).Inc() }
func (s *Scope) FetchError() { s.r.fetchErrs.With(s.labels).Inc() }

// JobFailed counts a failed attempt. category is a taxonomy name or
// "serialisation" for payloads that could not be decoded.
func (s *Scope) JobFailed(category string) {
	s.r.failed.With(s.withExtra("category", category)).Inc()
}

func (s *Scope) MessagesClaimed(n int) {
	if n > 0 {
		s.r.claimed.With(s.labels).Add(float64(n))
	}
}

func (s *Scope) CircuitBreakerTransition(state string) {
	s.r.breaker.With(s.withExtra("state", state)).Inc()
}

func (s *Scope) ObserveDuration(d time.Duration) {
	s.r.duration.With(s.labels).Observe(d.Seconds())
}

func (s *Scope) SetStreamDepth(n int64) { s.r.depth.With(s.labels).Set(float64(n)) }
func (s *Scope) SetPendingCount(n int64) { s.r.pending.With(s.labels).Set(float64(n)) }
func (s *Scope) SetDLQDepth(n int64) { s.r.dlqDepth.With(s.labels).Set(float64(n)) }
func (s *Scope) SetInFlight(n int64) { s.r.inFlight.With(s.labels).Set(float64(n)) }

func (s *Scope) withExtra(k, v string) prometheus.Labels {
	l := make(prometheus.Labels, len(s.labels)+1)
	for lk, lv := range s.labels {
		l[lk] = lv
	}
	l[k] = v
	return l
}
