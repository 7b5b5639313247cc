package worker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Producer serialises jobs and appends them to a stream. It is safe for
// concurrent use; the underlying Publisher shares the backend connection.
type Producer[J Job[J]] struct {
	pub Publisher
}

// NewProducer returns a producer writing through pub.
func NewProducer[J Job[J]](pub Publisher) *Producer[J] {
	return &Producer[J]{pub: pub}
}

// Send enqueues one job and returns the backend-assigned message id.
// Serialisation failures are permanent; backend failures are transient.
func (p *Producer[J]) Send(ctx context.Context, job J) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", Permanentf("serialise job %s: %w", job.JobID(), err)
	}
	id, err := p.pub.Publish(ctx, data)
	if err != nil {
		return "", Transientf("publish job %s: %w", job.JobID(), err)
	}
	return id, nil
}

// SendBatch enqueues jobs in order and returns their ids in the same order.
// On error a prefix of the batch may already be appended; the returned ids
// cover that prefix.
func (p *Producer[J]) SendBatch(ctx context.Context, jobs []J) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	payloads := make([][]byte, len(jobs))
	for i, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return nil, Permanentf("serialise job %s: %w", job.JobID(), err)
		}
		payloads[i] = data
	}
	ids, err := p.pub.PublishBatch(ctx, payloads)
	if err != nil {
		return ids, Transientf("publish batch (%d of %d appended): %w", len(ids), len(jobs), err)
	}
	if len(ids) != len(jobs) {
		return ids, Transient(fmt.Errorf("publish batch returned %d ids for %d jobs", len(ids), len(jobs)))
	}
	return ids, nil
}

// EnsureStream verifies the target stream, creating it where the backend allows.
func (p *Producer[J]) EnsureStream(ctx context.Context) error {
	if err := p.pub.EnsureStream(ctx); err != nil {
		return Transientf("ensure stream: %w", err)
	}
	return nil
}
