package status

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// WorkerView is the read side of a running worker. *worker.Worker[J]
// implements it for any J.
type WorkerView interface {
	WorkerID() string
	State() worker.State
	InFlight() int64
}

// CollectorConfig holds configuration for the status collector.
type CollectorConfig struct {
	Version   string
	Backend   string
	Stream    string
	Processor string
	Worker    WorkerView
	Info      worker.InfoProvider // optional
}

// Collector gathers the worker, stream and host metrics for /status.
type Collector struct {
	cfg       CollectorConfig
	startTime time.Time
	hostname  string
}

// NewCollector creates a new status collector.
func NewCollector(cfg CollectorConfig) *Collector {
	c := &Collector{cfg: cfg, startTime: time.Now()}
	if info, err := host.Info(); err == nil {
		c.hostname = info.Hostname
	}
	return c
}

// Collect gathers all status metrics. Stream info failures are left out of
// the snapshot rather than failing it.
func (c *Collector) Collect(ctx context.Context) (*WorkerStatus, error) {
	status := &WorkerStatus{
		Version:   c.cfg.Version,
		Timestamp: time.Now().UTC(),
		Worker:    c.collectWorkerInfo(),
		System:    c.collectSystemMetrics(ctx),
	}
	if status.Version == "" {
		status.Version = StatusVersion
	}
	if c.cfg.Info != nil {
		if info, err := c.cfg.Info.Info(ctx); err == nil {
			status.Stream = info
		}
	}
	return status, nil
}

func (c *Collector) collectWorkerInfo() WorkerInfo {
	info := WorkerInfo{
		Backend:       c.cfg.Backend,
		Stream:        c.cfg.Stream,
		Processor:     c.cfg.Processor,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Hostname:      c.hostname,
		State:         worker.StateStopped.String(),
	}
	if w := c.cfg.Worker; w != nil {
		info.ID = w.WorkerID()
		info.State = w.State().String()
		info.InFlight = w.InFlight()
	}
	return info
}

// collectSystemMetrics gathers CPU and memory utilization for the host and
// this process.
func (c *Collector) collectSystemMetrics(ctx context.Context) SystemMetrics {
	metrics := SystemMetrics{Goroutines: runtime.NumGoroutine()}

	// Memory
	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemoryUsedGB = float64(v.Used) / (1024 * 1024 * 1024)
		metrics.MemoryTotalGB = float64(v.Total) / (1024 * 1024 * 1024)
		metrics.MemoryPercent = v.UsedPercent
	}

	// CPU
	if percentages, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		metrics.CPUPercent = percentages[0]
	}

	// Process
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if m, err := p.MemoryInfoWithContext(ctx); err == nil {
			metrics.ProcessRSSMB = float64(m.RSS) / (1024 * 1024)
		}
	}

	return metrics
}
