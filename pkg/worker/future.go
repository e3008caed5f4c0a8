package worker

import (
	"context"
	"sync"
)

// Future is a single-assignment result. The first Complete wins; later calls
// are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete resolves the future. It reports whether this call set the result.
func (f *Future[T]) Complete(value T, err error) bool {
	set := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		set = true
		close(f.done)
	})
	return set
}

// Fail resolves the future with err and the zero value.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.Complete(zero, err)
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends. A context error leaves
// the future untouched; the producer may still complete it.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
