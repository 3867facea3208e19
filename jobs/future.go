package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled marks a job that stopped because its context was canceled.
// It is a terminal state, not a failure.
var ErrCanceled = errors.New("jobs: canceled")

// Future is the result of a dispatched job. The polling methods never block.
type Future[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	value  T
	err    error
}

func newFuture[T any](parent context.Context) *Future[T] {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Future[T]{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Resolved returns a future that already holds v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T](context.Background())
	f.resolve(v, nil)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		if err == nil && f.ctx.Err() != nil {
			err = ErrCanceled
		}
		if errors.Is(err, context.Canceled) {
			err = ErrCanceled
		}
		if err == nil {
			f.value = v
		}
		f.err = err
		close(f.done)
	})
}

// Context is canceled when the future is canceled or its parent is.
func (f *Future[T]) Context() context.Context { return f.ctx }

// Cancel asks the job to stop. A job that has not started never runs.
func (f *Future[T]) Cancel() { f.cancel() }

// Done reports whether the job reached a terminal state.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Available reports whether the job finished with a value.
func (f *Future[T]) Available() bool {
	return f.Done() && f.err == nil
}

// Working reports whether the job is queued or running and not canceled.
func (f *Future[T]) Working() bool {
	return !f.Done() && f.ctx.Err() == nil
}

// Canceled reports whether the job was canceled, finished or not.
func (f *Future[T]) Canceled() bool {
	if f.Done() {
		return errors.Is(f.err, ErrCanceled)
	}
	return f.ctx.Err() != nil
}

// Value returns the result, or the zero value when not Available.
func (f *Future[T]) Value() T {
	if !f.Available() {
		var zero T
		return zero
	}
	return f.value
}

// Err returns the terminal error, or nil while the job is still pending.
func (f *Future[T]) Err() error {
	if !f.Done() {
		return nil
	}
	return f.err
}

// Wait blocks until the job finishes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
