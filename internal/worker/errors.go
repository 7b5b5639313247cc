package worker

import (
	"errors"
	"fmt"
)

// Category classifies a processing failure. The set is closed.
type Category int

const (
	// CategoryTransient covers network errors, timeouts and other failures
	// expected to clear on their own.
	CategoryTransient Category = iota

	// CategoryPermanent covers invalid input, serialisation and configuration
	// errors. These are never retried.
	CategoryPermanent

	// CategoryRateLimited means a downstream asked us to slow down.
	CategoryRateLimited
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ProcessingError is the error a Processor returns to steer retry policy.
type ProcessingError struct {
	Category Category
	Err      error

	panicked bool
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return e.Category.String()
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Message returns the underlying error text without the category prefix.
func (e *ProcessingError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Panicked reports whether the error was produced by a recovered panic.
func (e *ProcessingError) Panicked() bool { return e.panicked }

// Transient wraps err as a retryable failure.
func Transient(err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Err: err}
}

// Permanent wraps err as a failure that goes straight to the dead-letter queue.
func Permanent(err error) *ProcessingError {
	return &ProcessingError{Category: CategoryPermanent, Err: err}
}

// RateLimited wraps err as a failure retried on the slower rate-limit schedule.
func RateLimited(err error) *ProcessingError {
	return &ProcessingError{Category: CategoryRateLimited, Err: err}
}

// Transientf, Permanentf and RateLimitedf format a message like fmt.Errorf.
func Transientf(format string, args ...any) *ProcessingError {
	return Transient(fmt.Errorf(format, args...))
}

func Permanentf(format string, args ...any) *ProcessingError {
	return Permanent(fmt.Errorf(format, args...))
}

func RateLimitedf(format string, args ...any) *ProcessingError {
	return RateLimited(fmt.Errorf(format, args...))
}

// Classify maps any error onto a ProcessingError. Errors that carry no
// category, including timeouts and network errors, are treated as transient.
func Classify(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	return Transient(err)
}

// IsPermanent reports whether err classifies as permanent.
func IsPermanent(err error) bool {
	pe := Classify(err)
	return pe != nil && pe.Category == CategoryPermanent
}

func panicError(v any) *ProcessingError {
	return &ProcessingError{
		Category: CategoryTransient,
		Err:      fmt.Errorf("processor panic: %v", v),
		panicked: true,
	}
}
