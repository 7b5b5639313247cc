// Package shutdown fans a single shutdown signal out to every component of a
// worker process.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Coordinator is a one-shot broadcast. The first Shutdown call, or the first
// SIGINT/SIGTERM seen by WaitForSignal, closes Done; later calls do nothing.
type Coordinator struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
	log    *slog.Logger
}

// New returns a coordinator that has not been triggered.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{done: make(chan struct{}), log: logger}
}

// Shutdown triggers the coordinator. It is safe to call more than once and
// from any goroutine.
func (c *Coordinator) Shutdown(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.log.Info("shutdown requested", "reason", reason)
		close(c.done)
	})
}

// Done is closed once shutdown has been triggered.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// IsShutdown reports whether shutdown has been triggered.
func (c *Coordinator) IsShutdown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns what triggered shutdown, or "" if it hasn't happened.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Context returns a context derived from parent that is cancelled on
// shutdown. The worker's Run takes this context.
func (c *Coordinator) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, ctx ends, or shutdown
// is triggered elsewhere. A received signal triggers shutdown.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	c.waitFor(ctx, sigs)
}

func (c *Coordinator) waitFor(ctx context.Context, sigs <-chan os.Signal) {
	select {
	case sig := <-sigs:
		c.Shutdown("signal " + sig.String())
	case <-ctx.Done():
	case <-c.done:
	}
}

// Watch runs fn in a goroutine and triggers shutdown when it returns, so a
// fatal component failure stops the rest of the process.
func (c *Coordinator) Watch(name string, fn func() error) <-chan error {
	errc := make(chan error, 1)
	go func() {
		err := fn()
		if err != nil {
			c.log.Error("component failed", "component", name, "error", err)
			c.Shutdown(name + " failed")
		}
		errc <- err
	}()
	return errc
}
