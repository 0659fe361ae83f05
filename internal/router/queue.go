package router

import (
	"context"
	"log/slog"
	"sync"
)

// deliveryQueue is an unbounded FIFO of handler invocations consumed by a
// single goroutine. Pushing never blocks, so a handler may submit, cancel or
// close on its own router without deadlocking.
type deliveryQueue struct {
	mu      sync.Mutex
	items   []func()
	stopped bool
	wake    chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{wake: make(chan struct{}, 1)}
}

// push appends fn. Once the consumer has stopped, fn runs on the caller.
func (q *deliveryQueue) push(fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		invoke(fn)
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.signal()
}

// tryPush appends fn unless the consumer has stopped. It never runs fn, so
// callers may hold their own locks.
func (q *deliveryQueue) tryPush(fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *deliveryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// run consumes the queue until ctx is done, then delivers whatever is left
// and switches push to inline delivery.
func (q *deliveryQueue) run(ctx context.Context) {
	for {
		for _, fn := range q.take() {
			invoke(fn)
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			q.mu.Lock()
			rest := q.items
			q.items = nil
			q.stopped = true
			q.mu.Unlock()
			for _, fn := range rest {
				invoke(fn)
			}
			return
		}
	}
}

func invoke(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("job handler panicked", slog.Any("panic", v))
		}
	}()
	fn()
}
