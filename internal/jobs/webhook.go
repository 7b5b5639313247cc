package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
)

// WebhookProcessor posts each job as JSON to a fixed URL. The response
// status picks the error category: 2xx succeeds, 429 is rate limited, other
// 4xx are permanent and 5xx or transport failures are transient.
type WebhookProcessor struct {
	url       string
	healthURL string
	client    *http.Client
	log       *slog.Logger
}

func NewWebhookProcessor(url, healthURL string, logger *slog.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		url:       url,
		healthURL: healthURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       logger,
	}
}

func (p *WebhookProcessor) Name() string { return "webhook" }

func (p *WebhookProcessor) Process(ctx context.Context, job worker.Envelope) error {
	body, err := json.Marshal(job)
	if err != nil {
		return worker.Permanentf("encode job: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return worker.Permanentf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return worker.Transient(fmt.Errorf("failed to reach webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		p.log.Debug("webhook accepted job", "job_id", job.ID, "status", resp.StatusCode)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return worker.RateLimited(err)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return worker.Permanent(err)
	default:
		return worker.Transient(err)
	}
}

// HealthCheck reports whether the health URL answers 2xx. Without a health
// URL the processor is always ready.
func (p *WebhookProcessor) HealthCheck(ctx context.Context) (bool, error) {
	if p.healthURL == "" {
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
