// Package channel provides bounded hand-off queues between producers and a
// single consumer goroutine. Unlike a bare chan, a queue can be closed while
// producers are still sending: blocked senders return ErrClosed instead of
// panicking or hanging.
package channel

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("channel closed")

// Receiver provides read access to a queue.
type Receiver[T any] interface {
	Receive() <-chan T
	// Done is closed once the queue is closed.
	Done() <-chan struct{}
	Len() int
}

// Sender provides write access to a queue.
type Sender[T any] interface {
	// Send blocks until v is queued, ctx ends or the queue is closed.
	Send(ctx context.Context, v T) error
	// TrySend queues v only if there is room.
	TrySend(v T) bool
}

// Channel combines read and write access.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Close()
}

// Queue is the Channel implementation. The data chan itself is never
// closed; consumers select on Done.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func newQueue[T any](size int) *Queue[T] {
	if size < 0 {
		size = 0
	}
	return &Queue[T]{ch: make(chan T, size), done: make(chan struct{})}
}

func (q *Queue[T]) Send(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) TrySend(v T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) Receive() <-chan T      { return q.ch }
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Len returns the number of queued items. Always 0 when unbuffered.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Close is idempotent. Items already queued stay readable.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}
