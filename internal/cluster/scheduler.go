// Package cluster defines the task scheduler the orchestration layer runs on
// and an in-process implementation that simulates one worker process per
// accelerator device across several hosts.
package cluster

import (
	"context"
)

// TaskFunc runs on a worker and returns a value that stays resident there.
type TaskFunc func(ctx context.Context, w *Worker) (any, error)

// Scheduler is the subset of a distributed task scheduler the core needs.
type Scheduler interface {
	// Submit dispatches fn without blocking and returns its future.
	Submit(ctx context.Context, fn TaskFunc, opts ...SubmitOption) *Future
	// Wait suspends until every future has finished and fails fast on the
	// first task error.
	Wait(ctx context.Context, futures ...*Future) error
	// WhoHas maps each future key to the workers holding its result.
	WhoHas(ctx context.Context, futures ...*Future) (map[string][]string, error)
	// Scatter places value on each of workers and returns one future per worker.
	Scatter(ctx context.Context, value any, workers []string) (map[string]*Future, error)
	// Release drops results from their workers, disposing of values that
	// implement Release() or io.Closer.
	Release(futures ...*Future)
}

type submitOptions struct {
	name   string
	worker string
	deps   []*Future
}

// SubmitOption configures a single Submit call.
type SubmitOption func(*submitOptions)

// OnWorker restricts the task to the worker at addr.
func OnWorker(addr string) SubmitOption {
	return func(o *submitOptions) { o.worker = addr }
}

// DependsOn delays the task until deps have finished; a failed dependency
// fails the task without running it.
func DependsOn(deps ...*Future) SubmitOption {
	return func(o *submitOptions) { o.deps = append(o.deps, deps...) }
}

// Named sets the key prefix and metrics label of the task.
func Named(name string) SubmitOption {
	return func(o *submitOptions) { o.name = name }
}
