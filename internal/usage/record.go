package usage

import "time"

// Record captures the outcome of a single processing attempt.
type Record struct {
	// Database ID (set after insert)
	ID int64 `json:"id"`

	// Job identification
	JobID     string `json:"job_id"`
	JobType   string `json:"job_type,omitempty"`
	MessageID string `json:"message_id"`
	Stream    string `json:"stream"`
	Processor string `json:"processor"`

	// Outcome
	Status        string `json:"status"` // "success", "retry", "dead_letter", "skipped"
	ErrorMessage  string `json:"error,omitempty"`
	Attempt       int64  `json:"attempt"`
	DeliveryCount int64  `json:"delivery_count"`

	// Timing
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`

	// Worker identification
	WorkerID string `json:"worker_id,omitempty"`
}
