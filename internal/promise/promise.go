// Package promise provides the deferred results returned by the media engine.
//
// A Promise is completed exactly once, either with a value or an error. Callers
// either block on it (Wait) or release it (Release) and only hear about failures.
package promise

import (
	"context"
	"errors"
	"sync"
)

// ErrInterrupted is reported by Wait when the promise was interrupted before
// it was completed.
var ErrInterrupted = errors.New("promise: interrupted")

// Promise is a single-assignment deferred result.
type Promise[T any] struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	value   T
	err     error
}

// New returns a pending promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolved returns a promise already completed with v.
func Resolved[T any](v T) *Promise[T] {
	p := New[T]()
	p.Resolve(v)
	return p
}

// Rejected returns a promise already completed with err.
func Rejected[T any](err error) *Promise[T] {
	p := New[T]()
	p.Reject(err)
	return p
}

// Resolve completes the promise with v. Later completions are ignored.
func (p *Promise[T]) Resolve(v T) {
	p.settle(v, nil)
}

// Reject completes the promise with err. Later completions are ignored.
func (p *Promise[T]) Reject(err error) {
	if err == nil {
		err = errors.New("promise: rejected")
	}
	var zero T
	p.settle(zero, err)
}

// Interrupt abandons the promise; pending waiters get ErrInterrupted.
func (p *Promise[T]) Interrupt() {
	var zero T
	p.settle(zero, ErrInterrupted)
}

func (p *Promise[T]) settle(v T, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.value, p.err = v, err
	close(p.done)
}

// Done is closed once the promise is completed.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise completes or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.Done():
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Release stops caring about the result. If the promise is later rejected,
// onErr is called from a separate goroutine; interruption is not reported.
func (p *Promise[T]) Release(onErr func(error)) {
	go func() {
		<-p.Done()
		p.mu.Lock()
		err := p.err
		p.mu.Unlock()
		if err != nil && !errors.Is(err, ErrInterrupted) && onErr != nil {
			onErr(err)
		}
	}()
}
