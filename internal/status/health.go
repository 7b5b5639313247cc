package status

import (
	"context"
	"sync"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
)

// Health is the shared health state. The worker loop writes it, the HTTP
// handlers read it.
type Health struct {
	mu               sync.RWMutex
	streamConnected  bool
	processorHealthy bool
	checker          worker.HealthChecker
	checkTimeout     time.Duration
}

var _ worker.HealthReporter = (*Health)(nil)

// NewHealth starts disconnected and healthy. checker may be nil.
func NewHealth(checker worker.HealthChecker) *Health {
	return &Health{
		processorHealthy: true,
		checker:          checker,
		checkTimeout:     2 * time.Second,
	}
}

func (h *Health) SetStreamConnected(connected bool) {
	h.mu.Lock()
	h.streamConnected = connected
	h.mu.Unlock()
}

func (h *Health) SetProcessorHealthy(healthy bool) {
	h.mu.Lock()
	h.processorHealthy = healthy
	h.mu.Unlock()
}

// Snapshot returns both flags.
func (h *Health) Snapshot() (streamConnected, processorHealthy bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streamConnected, h.processorHealthy
}

// Live reports liveness. Only the processor flag counts; a lost backend
// connection is recovered by the fetch loop.
func (h *Health) Live() bool {
	_, healthy := h.Snapshot()
	return healthy
}

// Ready reports readiness and, when not ready, why.
func (h *Health) Ready(ctx context.Context) (bool, string) {
	connected, healthy := h.Snapshot()
	switch {
	case !healthy:
		return false, "processor unhealthy"
	case !connected:
		return false, "stream disconnected"
	case h.checker == nil:
		return true, ""
	}

	ctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()
	ok, err := h.checker.HealthCheck(ctx)
	if err != nil {
		return false, "processor health check: " + err.Error()
	}
	if !ok {
		return false, "processor not ready"
	}
	return true, ""
}
