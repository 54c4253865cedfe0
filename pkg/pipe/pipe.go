// Package pipe provides an ordered, closable single-producer/single-consumer
// queue used to decouple the pace of a producer from the pace of its consumer.
package pipe

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is reported by Push when the pipe has already been closed.
var ErrClosed = errors.New("pipe closed")

// Pipe is an unbounded FIFO with a terminal close signal.
//
// Push never blocks. Next yields values in push order and, once the queue is
// drained after Close, returns io.EOF (or the error given to CloseWithError)
// on every subsequent call.
type Pipe[T any] struct {
	mu       sync.Mutex
	queue    []T
	closed   bool
	closeErr error
	notify   chan struct{}
}

func New[T any]() *Pipe[T] {
	return &Pipe[T]{notify: make(chan struct{}, 1)}
}

// Push enqueues v. It returns false if the pipe is closed; the value is dropped.
func (p *Pipe[T]) Push(v T) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, v)
	p.mu.Unlock()
	p.wake()
	return true
}

// Close marks the end of the stream. Calling it more than once is a no-op.
func (p *Pipe[T]) Close() {
	p.CloseWithError(nil)
}

// CloseWithError ends the stream; consumers see err after the queued values
// instead of io.EOF. Only the first close takes effect.
func (p *Pipe[T]) CloseWithError(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	p.mu.Unlock()
	p.wake()
}

func (p *Pipe[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Len reports the number of values waiting to be consumed.
func (p *Pipe[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Next blocks until a value is available, the pipe is closed and drained, or
// ctx is done.
func (p *Pipe[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			v := p.queue[0]
			p.queue[0] = zero
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return v, nil
		}
		if p.closed {
			err := p.closeErr
			p.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (p *Pipe[T]) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
