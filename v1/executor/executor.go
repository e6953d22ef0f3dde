// Package executor defines the task-submission surface used for
// asynchronous work and a bounded worker pool implementing it.
package executor

import "context"

// Task is a unit of asynchronous work. It receives the context it was
// submitted with.
type Task func(ctx context.Context)

// Executor schedules tasks. Execute never blocks on the task itself.
type Executor interface {
	Execute(ctx context.Context, task Task)
}

// TryExecutor is an Executor that can refuse work. TryExecute reports
// whether task was accepted; a refused task never runs.
type TryExecutor interface {
	Executor
	TryExecute(ctx context.Context, task Task) bool
}

// TrySubmit hands task to exec and reports whether it was accepted.
// Executors that cannot refuse work are assumed to accept it.
func TrySubmit(ctx context.Context, exec Executor, task Task) bool {
	if te, ok := exec.(TryExecutor); ok {
		return te.TryExecute(ctx, task)
	}
	exec.Execute(ctx, task)
	return true
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, task Task)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, task Task) { f(ctx, task) }

// Goroutine returns an Executor that starts one goroutine per task.
func Goroutine() Executor {
	return Func(func(ctx context.Context, task Task) {
		go task(ctx)
	})
}

// Inline returns an Executor that runs tasks on the caller's goroutine.
func Inline() Executor {
	return Func(func(ctx context.Context, task Task) {
		task(ctx)
	})
}
