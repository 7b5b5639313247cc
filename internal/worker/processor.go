package worker

import "context"

// Processor does the work for one job. It is invoked concurrently from many
// goroutines and must be safe for that. Delivery is at-least-once, so
// Process must be idempotent.
type Processor[J any] interface {
	// Name labels metrics.
	Name() string

	// Process runs the job. Return a *ProcessingError (see Transient,
	// Permanent, RateLimited) to choose the retry policy; any other error
	// is treated as transient.
	Process(ctx context.Context, job J) error
}

// HealthChecker is implemented by processors that can report readiness.
// Processors that don't implement it are always healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// StartHook is called once before the worker begins fetching.
type StartHook interface {
	OnStart(ctx context.Context) error
}

// CompleteHook is called after every attempt with its outcome.
type CompleteHook[J any] interface {
	OnComplete(ctx context.Context, job J, result Result)
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc[J any] struct {
	ProcessorName string
	Fn            func(ctx context.Context, job J) error
}

func (f ProcessorFunc[J]) Name() string { return f.ProcessorName }

func (f ProcessorFunc[J]) Process(ctx context.Context, job J) error { return f.Fn(ctx, job) }
