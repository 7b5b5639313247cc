package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEntryNotFound is returned by DeadLetterStore lookups for unknown ids.
var ErrEntryNotFound = errors.New("dead-letter entry not found")

// DeadLetter is one entry in a dead-letter stream.
type DeadLetter struct {
	// ID is assigned by the dead-letter stream on append.
	ID string `json:"id,omitempty"`

	JobID   string          `json:"job_id"`
	JobType string          `json:"job_type,omitempty"`
	JobData json.RawMessage `json:"job_data"`

	Error    string `json:"error"`
	Category string `json:"category"`

	// OriginalSequence is the message id on the source stream.
	OriginalSequence string `json:"original_sequence"`

	// Source is the stream or subject the job is replayed to.
	Source string `json:"source"`

	RetryCount    uint32    `json:"retry_count"`
	DeliveryCount uint64    `json:"delivery_count"`
	WorkerID      string    `json:"worker_id,omitempty"`
	FailedAt      time.Time `json:"failed_at"`

	// Payload is the original message body, byte for byte. Backends store
	// it and replay it; JobData is its JSON rendering for display.
	Payload []byte `json:"-"`
}

// RawPayload returns the bytes to replay: Payload when known, else JobData.
func (d *DeadLetter) RawPayload() []byte {
	if d.Payload != nil {
		return d.Payload
	}
	return d.JobData
}

// DeadLetterSink appends failed jobs to a dead-letter stream.
type DeadLetterSink interface {
	// MoveToDLQ appends the entry and returns its id in the dead-letter stream.
	MoveToDLQ(ctx context.Context, entry *DeadLetter) (string, error)
}

// DeadLetterStore adds the inspection operations used by the admin surface.
type DeadLetterStore interface {
	DeadLetterSink

	// List returns up to limit entries, oldest first.
	List(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Peek returns a single entry.
	Peek(ctx context.Context, id string) (*DeadLetter, error)

	// Replay re-enqueues the job on its source stream with its retry count
	// reset, removes the entry and returns the new source message id.
	Replay(ctx context.Context, id string) (string, error)

	Delete(ctx context.Context, id string) error
	Depth(ctx context.Context) (int64, error)
}

// RawJSON returns data as a JSON value, quoting it as a string when it is not
// valid JSON so that undecodable payloads still survive in the dead-letter entry.
func RawJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// ResetRetries rewrites retry_count to 0 in a JSON object payload. Payloads
// that are not objects are returned unchanged.
func ResetRetries(data []byte) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return data
	}
	if _, ok := obj["retry_count"]; !ok {
		return data
	}
	obj["retry_count"] = json.RawMessage("0")
	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}
