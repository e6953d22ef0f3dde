package traceid

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-terra/v1/executor"
)

// Future is the eventual result of a function started with Supply.
type Future[T any] struct {
	traceID string
	done    chan struct{}
	val     T
	err     error
}

// Supply runs fn asynchronously on exec with trace propagation and returns
// its future. A nil exec starts a goroutine. A panic in fn completes the
// future with an error. If exec drops the task the future never completes,
// so Await should be bounded by ctx.
func Supply[T any](ctx context.Context, exec executor.Executor, fn func(ctx context.Context) (T, error)) *Future[T] {
	e := Wrap(exec)
	ctx, id := Ensure(ctx, e.gen)
	f := &Future[T]{traceID: id, done: make(chan struct{})}
	e.Execute(ctx, func(ctx context.Context) {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("traceid: task panicked: %v", r)
			}
		}()
		f.val, f.err = fn(ctx)
	})
	return f
}

// TraceID returns the causal id the function runs under.
func (f *Future[T]) TraceID() string { return f.traceID }

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the result is available or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
