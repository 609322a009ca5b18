// Package scheduler runs posted work serially on one goroutine.
//
// A session uses one Loop for all of its state changes, which gives the
// components mutual exclusion without locks, and a second Loop as the worker
// that blocks on deferred engine results.
package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is posted to a closed loop.
var ErrClosed = errors.New("scheduler: loop closed")

// Executor runs functions asynchronously.
type Executor interface {
	Post(fn func()) bool
}

// Loop executes posted functions one at a time, in posting order.
type Loop struct {
	jobs   chan func()
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New starts a loop with room for backlog pending jobs.
func New(backlog int) *Loop {
	l := &Loop{
		jobs:   make(chan func(), backlog),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.closed:
			return
		case fn := <-l.jobs:
			fn()
		}
	}
}

// Post queues fn. It reports false when the loop is closed.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.jobs <- fn:
		return true
	case <-l.closed:
		return false
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// closed while fn was queued; it may never run
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the loop. Queued jobs that have not started are dropped.
// Close must not be called from a job running on the same loop if the caller
// then waits on Done.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.closed) })
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
