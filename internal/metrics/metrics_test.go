package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestScopeCounters(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	s := r.For("jobs:email", "email")

	s.JobReceived()
	s.JobReceived()
	s.JobProcessed()
	s.JobRetried()
	s.JobMovedToDLQ()
	s.JobFailed("transient")
	s.JobFailed("permanent")
	s.JobFailed("permanent")
	s.MessagesClaimed(3)
	s.MessagesClaimed(0)

	labels := prometheus.Labels{"stream": "jobs:email", "processor": "email"}
	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"received", r.received.With(labels), 2},
		{"processed", r.processed.With(labels), 1},
		{"retried", r.retried.With(labels), 1},
		{"moved to dlq", r.movedToDLQ.With(labels), 1},
		{"claimed", r.claimed.With(labels), 3},
		{"failed permanent", r.failed.With(s.withExtra("category", "permanent")), 2},
		{"failed transient", r.failed.With(s.withExtra("category", "transient")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestScopeGauges(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	s := r.For("jobs:default", "log")
	labels := prometheus.Labels{"stream": "jobs:default", "processor": "log"}

	s.SetStreamDepth(42)
	s.SetPendingCount(7)
	s.SetDLQDepth(2)
	s.SetInFlight(5)
	s.SetInFlight(4)

	if got := testutil.ToFloat64(r.depth.With(labels)); got != 42 {
		t.Errorf("stream_depth = %v, want 42", got)
	}
	if got := testutil.ToFloat64(r.pending.With(labels)); got != 7 {
		t.Errorf("pending_count = %v, want 7", got)
	}
	if got := testutil.ToFloat64(r.dlqDepth.With(labels)); got != 2 {
		t.Errorf("dlq_depth = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.inFlight.With(labels)); got != 4 {
		t.Errorf("jobs_in_flight = %v, want 4", got)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.For("a", "p").JobReceived()
	r.For("b", "p").JobReceived()
	r.For("b", "p").JobReceived()

	if got := testutil.ToFloat64(r.received.With(prometheus.Labels{"stream": "a", "processor": "p"})); got != 1 {
		t.Errorf("stream a = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.received.With(prometheus.Labels{"stream": "b", "processor": "p"})); got != 2 {
		t.Errorf("stream b = %v, want 2", got)
	}
}

func TestDurationHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	s := r.For("jobs:default", "log")
	s.ObserveDuration(150 * time.Millisecond)
	s.ObserveDuration(2 * time.Second)

	if n := testutil.CollectAndCount(r.duration, "job_duration_seconds"); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestRegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	s := r.For("x", "y")
	s.JobReceived()
	s.CircuitBreakerTransition("open")
	s.RateLimited()
	s.FetchError()

	if n, err := testutil.GatherAndCount(reg, "rate_limited_total", "fetch_errors_total", "circuit_breaker_transitions_total"); err != nil || n != 3 {
		t.Errorf("GatherAndCount = %d, %v; want 3", n, err)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default should return the same recorder")
	}
}
