package worker

import "time"

// ResultKind is the outcome of one attempt.
type ResultKind string

const (
	// ResultSuccess: processed and acked.
	ResultSuccess ResultKind = "success"

	// ResultRetry: nak'd with a backoff delay, or left unacked for redelivery.
	ResultRetry ResultKind = "retry"

	// ResultDeadLetter: appended to the dead-letter stream and acked.
	ResultDeadLetter ResultKind = "dead_letter"

	// ResultSkipped: handed back unprocessed.
	ResultSkipped ResultKind = "skipped"
)

// Result describes what the worker did with a delivery.
type Result struct {
	Kind     ResultKind
	Duration time.Duration

	// Err is set for ResultRetry and ResultDeadLetter.
	Err *ProcessingError

	// Delay is the backoff applied to a retry.
	Delay time.Duration

	// Reason explains a skip.
	Reason string

	// DeadLetterID is the entry id for ResultDeadLetter.
	DeadLetterID string
}
