package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestShutdownIdempotent(t *testing.T) {
	c := New(quiet())
	if c.IsShutdown() {
		t.Fatal("IsShutdown() = true before Shutdown")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown("test")
		}()
	}
	wg.Wait()

	if !c.IsShutdown() {
		t.Error("IsShutdown() = false after Shutdown")
	}
	if c.Reason() != "test" {
		t.Errorf("Reason() = %q, want test", c.Reason())
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed")
	}
}

func TestFirstReasonWins(t *testing.T) {
	c := New(quiet())
	c.Shutdown("first")
	c.Shutdown("second")
	if c.Reason() != "first" {
		t.Errorf("Reason() = %q, want first", c.Reason())
	}
}

func TestContextCancelledOnShutdown(t *testing.T) {
	c := New(quiet())
	ctx, cancel := c.Context(context.Background())
	defer cancel()

	c.Shutdown("test")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Shutdown")
	}
}

func TestContextCancelDoesNotShutdown(t *testing.T) {
	c := New(quiet())
	_, cancel := c.Context(context.Background())
	cancel()
	time.Sleep(10 * time.Millisecond)
	if c.IsShutdown() {
		t.Error("cancelling a derived context should not trigger shutdown")
	}
}

func TestWaitForSignal(t *testing.T) {
	tests := []struct {
		name       string
		trigger    func(c *Coordinator, sigs chan os.Signal, cancel context.CancelFunc)
		wantDone   bool
		wantReason string
	}{
		{
			name:       "SIGTERM",
			trigger:    func(_ *Coordinator, sigs chan os.Signal, _ context.CancelFunc) { sigs <- syscall.SIGTERM },
			wantDone:   true,
			wantReason: "signal terminated",
		},
		{
			name:       "SIGINT",
			trigger:    func(_ *Coordinator, sigs chan os.Signal, _ context.CancelFunc) { sigs <- syscall.SIGINT },
			wantDone:   true,
			wantReason: "signal interrupt",
		},
		{
			name:     "context cancelled",
			trigger:  func(_ *Coordinator, _ chan os.Signal, cancel context.CancelFunc) { cancel() },
			wantDone: false,
		},
		{
			name:       "explicit shutdown",
			trigger:    func(c *Coordinator, _ chan os.Signal, _ context.CancelFunc) { c.Shutdown("api") },
			wantDone:   true,
			wantReason: "api",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(quiet())
			sigs := make(chan os.Signal, 1)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			returned := make(chan struct{})
			go func() {
				c.waitFor(ctx, sigs)
				close(returned)
			}()
			tt.trigger(c, sigs, cancel)

			select {
			case <-returned:
			case <-time.After(time.Second):
				t.Fatal("waitFor did not return")
			}
			if c.IsShutdown() != tt.wantDone {
				t.Errorf("IsShutdown() = %v, want %v", c.IsShutdown(), tt.wantDone)
			}
			if c.Reason() != tt.wantReason {
				t.Errorf("Reason() = %q, want %q", c.Reason(), tt.wantReason)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	c := New(quiet())

	ok := c.Watch("ok", func() error { return nil })
	if err := <-ok; err != nil {
		t.Fatalf("Watch(ok) = %v", err)
	}
	if c.IsShutdown() {
		t.Fatal("a clean exit should not trigger shutdown")
	}

	boom := errors.New("boom")
	failed := c.Watch("server", func() error { return boom })
	if err := <-failed; !errors.Is(err, boom) {
		t.Fatalf("Watch(server) = %v, want boom", err)
	}
	if !c.IsShutdown() || c.Reason() != "server failed" {
		t.Errorf("IsShutdown/Reason = %v/%q, want true/\"server failed\"", c.IsShutdown(), c.Reason())
	}
}
