package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func envelope(t *testing.T, payload string) worker.Envelope {
	t.Helper()
	return worker.Envelope{ID: "job-1", Type: "test", Payload: json.RawMessage(payload)}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{"log", Options{}, ""},
		{"shell", Options{}, ""},
		{"webhook", Options{WebhookURL: "http://localhost:9/hook"}, ""},
		{"webhook", Options{}, "needs a URL"},
		{"nope", Options{}, "available: log, shell, webhook"},
	}
	for _, tt := range tests {
		p, err := New(tt.name, tt.opts)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New(%q) error = %v, want containing %q", tt.name, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q) error = %v", tt.name, err)
		}
		if p.Name() != tt.name {
			t.Errorf("Name() = %v, want %v", p.Name(), tt.name)
		}
	}
}

func TestLogProcessorSimulations(t *testing.T) {
	p := NewLogProcessor(quiet())

	tests := []struct {
		payload  string
		wantErr  bool
		category worker.Category
	}{
		{`{"to":"a@example.com"}`, false, 0},
		{`"just a string"`, false, 0},
		{`{"simulate":"transient"}`, true, worker.CategoryTransient},
		{`{"simulate":"permanent"}`, true, worker.CategoryPermanent},
		{`{"simulate":"rate_limited"}`, true, worker.CategoryRateLimited},
		{`{"simulate":"explode"}`, true, worker.CategoryPermanent},
		{`{"sleep":"forever"}`, true, worker.CategoryPermanent},
	}
	for _, tt := range tests {
		err := p.Process(context.Background(), envelope(t, tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("Process(%s) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			continue
		}
		if err != nil {
			if got := worker.Classify(err).Category; got != tt.category {
				t.Errorf("Process(%s) category = %v, want %v", tt.payload, got, tt.category)
			}
		}
	}
}

func TestLogProcessorPanics(t *testing.T) {
	p := NewLogProcessor(quiet())
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	p.Process(context.Background(), envelope(t, `{"simulate":"panic"}`))
}

func TestLogProcessorSleepHonoursContext(t *testing.T) {
	p := NewLogProcessor(quiet())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Process(ctx, envelope(t, `{"sleep":"10s"}`))
	if time.Since(start) > 2*time.Second {
		t.Fatal("sleep ignored context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Process() error = %v, want deadline exceeded", err)
	}
}
