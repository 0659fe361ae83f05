package lzma

import (
	"context"
	"errors"
	"sync"

	lzmux "github.com/eugener/lzmux/internal"
)

// ErrPending is returned by Future.Result before the job has settled.
var ErrPending = errors.New("job still pending")

// Future is the eventual outcome of one job.
type Future[T any] struct {
	id   lzmux.RequestID
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// ID returns the request id the job was submitted under, or zero if
// submission failed.
func (f *Future[T]) ID() lzmux.RequestID { return f.id }

// Done is closed once the job has settled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the job settles or ctx is done. Giving up on ctx does
// not cancel the job.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		var zero T
		return zero, ErrPending
	}
}
