// Package future implements a minimal single-value promise shared by every
// part of this module that hands back an asynchronous result: Declarative
// Services' EnableComponent/DisableComponent (scr, framework) and
// Configuration Admin's Configuration.Update/Remove (cm). It is its own
// package, rather than living in framework, so cm can depend on it without
// cm and framework importing each other.
package future

import (
	"context"
	"sync"
)

// Future is a minimal single-value promise: one goroutine calls the resolve
// function returned by New exactly once, any number of callers can Wait for
// the result.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// New returns a Future and its resolve function.
func New[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	resolve := func(v T, err error) {
		f.once.Do(func() {
			f.val, f.err = v, err
			close(f.done)
		})
	}
	return f, resolve
}

// Wait blocks until the future is resolved or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the future has already been resolved, without
// blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
