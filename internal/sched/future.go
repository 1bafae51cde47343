package sched

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Future is a single-assignment result slot. The first settle wins; later
// ones are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) settle(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

func (f *Future[T]) resolve(v T) bool { return f.settle(v, nil) }

func (f *Future[T]) reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsComplete reports whether the future has settled, without blocking.
func (f *Future[T]) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Handle is what Submit hands back: the task id and its result.
type Handle[T any] struct {
	ID     uuid.UUID
	Result *Future[T]
}

// Await is shorthand for h.Result.Await.
func (h *Handle[T]) Await(ctx context.Context) (T, error) {
	return h.Result.Await(ctx)
}
