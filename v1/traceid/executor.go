package traceid

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mirkobrombin/go-terra/v1/executor"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-terra/v1/traceid")

// Executor decorates another executor.Executor so every task observes the
// causal id that was current where it was submitted.
type Executor struct {
	inner executor.Executor
	gen   Generator
}

// Option configures an Executor.
type Option func(*Executor)

// WithGenerator sets the generator used for submissions without an id.
func WithGenerator(g Generator) Option {
	return func(e *Executor) {
		if g != nil {
			e.gen = g
		}
	}
}

// NewExecutor wraps inner. A nil inner starts one goroutine per task.
func NewExecutor(inner executor.Executor, opts ...Option) *Executor {
	if inner == nil {
		inner = executor.Goroutine()
	}
	e := &Executor{inner: inner, gen: Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wrap returns inner when it already propagates ids and wraps it otherwise.
func Wrap(inner executor.Executor) *Executor {
	if e, ok := inner.(*Executor); ok {
		return e
	}
	return NewExecutor(inner)
}

// Execute implements executor.Executor. The id is read from ctx now, not
// when the task runs, and the task context is detached from ctx's
// cancellation so the work can outlive the submitting request.
func (e *Executor) Execute(ctx context.Context, task executor.Task) {
	e.TryExecute(ctx, task)
}

// TryExecute implements executor.TryExecutor, reporting whether the wrapped
// executor accepted the task.
func (e *Executor) TryExecute(ctx context.Context, task executor.Task) bool {
	ctx, id := Ensure(ctx, e.gen)
	return executor.TrySubmit(context.WithoutCancel(ctx), e.inner, func(runCtx context.Context) {
		runCtx, span := tracer.Start(WithID(runCtx, id), "traceid.Task")
		defer span.End()
		span.SetAttributes(attribute.String("terra.trace_id", id))
		task(runCtx)
	})
}
