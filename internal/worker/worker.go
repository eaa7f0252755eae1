package worker

import "context"

// Worker represents a long-running background process.
//
// Workers should:
// - Block in Run() until context is cancelled or a fatal error occurs
// - Return nil or context.Canceled for graceful shutdown
// - Return non-nil error only for fatal failures
type Worker interface {
	// Name returns a unique identifier for this worker (e.g., "shepherd").
	Name() string

	// Run executes the worker and blocks until context is cancelled or a
	// fatal error occurs.
	Run(ctx context.Context) error
}
