// Package status provides the worker's health state and the HTTP server that
// exposes it.
//
// Architecture:
//   - Health holds the stream/processor flags the worker loop flips
//   - Collector snapshots the worker, its stream and the host it runs on
//   - Server serves probes, Prometheus metrics and the DLQ admin routes
package status

import (
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
)

// WorkerStatus is the payload returned from the /status endpoint.
type WorkerStatus struct {
	Version   string             `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	Worker    WorkerInfo         `json:"worker"`
	System    SystemMetrics      `json:"system"`
	Stream    *worker.StreamInfo `json:"stream,omitempty"`
}

// WorkerInfo identifies the running worker.
type WorkerInfo struct {
	ID            string `json:"id"`
	Backend       string `json:"backend"`
	Stream        string `json:"stream"`
	Processor     string `json:"processor"`
	State         string `json:"state"`
	InFlight      int64  `json:"in_flight"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Hostname      string `json:"hostname,omitempty"`
}

// SystemMetrics contains host and process resource utilization.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	ProcessRSSMB  float64 `json:"process_rss_mb,omitempty"`
	Goroutines    int     `json:"goroutines"`
}

// HealthResponse is the response for the liveness and readiness endpoints.
type HealthResponse struct {
	Status           string `json:"status"` // "ok", "unhealthy"
	Version          string `json:"version,omitempty"`
	StreamConnected  bool   `json:"stream_connected"`
	ProcessorHealthy bool   `json:"processor_healthy"`
	Reason           string `json:"reason,omitempty"`
}

// IDsRequest is the body of the DLQ replay and delete endpoints.
type IDsRequest struct {
	IDs []string `json:"ids"`
}

// ItemResult reports the outcome for one id of a batch admin request.
type ItemResult struct {
	ID    string `json:"id"`
	NewID string `json:"new_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// BatchResponse is returned by the DLQ replay and delete endpoints.
type BatchResponse struct {
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []ItemResult `json:"results"`
}

// HealthStatus constants for health checks.
const (
	HealthStatusOK        = "ok"
	HealthStatusUnhealthy = "unhealthy"
)

// StatusVersion is the current version of the status payload format.
const StatusVersion = "1.0"
