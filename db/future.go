package db

import (
	"context"
	"sync"
)

// Future is the pending value of an operation executed by a worker. It is
// completed exactly once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// CompletedFuture returns a future already holding v.
func CompletedFuture[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// Complete stores v and releases waiters. Later calls are ignored.
func (f *Future[T]) Complete(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
	})
}

// IsCompleted reports, without blocking, whether the value is available.
func (f *Future[T]) IsCompleted() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the value, or the zero value before completion.
func (f *Future[T]) Result() T {
	if !f.IsCompleted() {
		var zero T
		return zero
	}
	return f.val
}

// Wait blocks until completion or until ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed on completion.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// PendingResult is the pending result of an asynchronous query.
type PendingResult = Future[*SQLResult]
