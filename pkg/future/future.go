// Package future provides a single-assignment asynchronous result handle.
//
// A Future is resolved exactly once, either with a value or with an error.
// The first resolution wins; later attempts are reported as lost and have no
// effect, which is what lets a canceled or timed-out operation ignore the
// late completion of the radio call behind it.
package future

import (
	"context"
	"sync"
)

// Future is the consumer side of an asynchronous result
type Future[T any] struct {
	done chan struct{}

	mu       sync.Mutex
	resolved bool
	value    T
	err      error
	conts    []func(T, error)
}

// Promise is the producer side of a Future
type Promise[T any] struct {
	f *Future[T]
}

// New returns an unresolved Future and the Promise that resolves it
func New[T any]() (*Future[T], *Promise[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return f, &Promise[T]{f: f}
}

// Resolved returns a Future already resolved with v
func Resolved[T any](v T) *Future[T] {
	f, p := New[T]()
	p.Resolve(v)
	return f
}

// Failed returns a Future already resolved with err
func Failed[T any](err error) *Future[T] {
	f, p := New[T]()
	p.Reject(err)
	return f
}

// Resolve completes the future with a value. Returns false if it was already resolved.
func (p *Promise[T]) Resolve(v T) bool {
	return p.f.complete(v, nil)
}

// Reject completes the future with an error. Returns false if it was already resolved.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.f.complete(zero, err)
}

// Complete resolves with either outcome. A non-nil err wins over v.
func (p *Promise[T]) Complete(v T, err error) bool {
	if err != nil {
		var zero T
		v = zero
	}
	return p.f.complete(v, err)
}

// Future returns the consumer handle
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.value = v
	f.err = err
	conts := f.conts
	f.conts = nil
	f.mu.Unlock()

	close(f.done)
	for _, fn := range conts {
		fn(v, err)
	}
	return true
}

// Done returns a channel closed once the future is resolved
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done. Giving up on the wait
// does not affect the underlying operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the future resolves
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Result returns the outcome without blocking; ok is false while unresolved
func (f *Future[T]) Result() (value T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Then registers a continuation invoked once with the outcome. If the future
// is already resolved the continuation runs immediately on the caller's
// goroutine, otherwise on the goroutine that resolves it.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	if f.resolved {
		v, err := f.value, f.err
		f.mu.Unlock()
		fn(v, err)
		return
	}
	f.conts = append(f.conts, fn)
	f.mu.Unlock()
}

// Map derives a Future whose value is transformed by fn. Errors pass through.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out, p := New[U]()
	f.Then(func(v T, err error) {
		if err != nil {
			p.Reject(err)
			return
		}
		p.Complete(fn(v))
	})
	return out
}
