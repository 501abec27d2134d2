package cluster

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrReleased      = errors.New("cluster: future released")
	ErrUnknownWorker = errors.New("cluster: unknown worker")
	ErrUnknownKey    = errors.New("cluster: unknown key")
	ErrClosed        = errors.New("cluster: scheduler closed")
)

// Future is the handle to a task result living on a worker.
type Future struct {
	key string

	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	value  any
	err    error
	worker string
}

func newFuture(key string) *Future {
	return &Future{key: key, done: make(chan struct{})}
}

func (f *Future) Key() string { return f.key }

// Done is closed once the task has finished, successfully or not.
func (f *Future) Done() <-chan struct{} { return f.done }

// Worker returns the address of the worker holding the result, empty while
// the task is pending or after it failed.
func (f *Future) Worker() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.worker
}

// Err returns the task error once finished.
func (f *Future) Err() error {
	select {
	case <-f.done:
	default:
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

// Result suspends until the task finishes or ctx is done.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	default:
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value, f.err
}

func (f *Future) complete(worker string, value any, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		if err == nil {
			f.worker = worker
			f.value = value
		} else {
			f.err = err
		}
		f.mu.Unlock()
		close(f.done)
	})
}

// take detaches the stored value, leaving ErrReleased for later readers.
func (f *Future) take() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.value
	f.value = nil
	f.worker = ""
	if f.err == nil {
		f.err = ErrReleased
	}
	return v
}

// Settle suspends until every future has finished, ignoring task errors.
func Settle(ctx context.Context, futures ...*Future) error {
	for _, f := range futures {
		if f == nil {
			continue
		}
		select {
		case <-f.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

