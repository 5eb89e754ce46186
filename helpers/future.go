// Future is one-shot result slot, idea from gomqtt client/future
// with done channel exported, so callers wait on it in own select.
package helpers

import (
	"sync"
)

type Future[T any] struct {
	mu        sync.Mutex
	result    T
	done      chan struct{}
	set       bool
	cancelled bool
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Done is closed after first Complete or Cancel.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Complete stores result only first time, reports whether it did.
func (f *Future[T]) Complete(result T) bool { return f.store(result, false) }

// Cancel is Complete marked as cancelled, e.g. result produced without doing work.
func (f *Future[T]) Cancel(result T) bool { return f.store(result, true) }

func (f *Future[T]) store(result T, cancelled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return false
	}
	f.result, f.cancelled, f.set = result, cancelled, true
	close(f.done)
	return true
}

// Result is zero value before Done.
func (f *Future[T]) Result() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *Future[T]) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}
