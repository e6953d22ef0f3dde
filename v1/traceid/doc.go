// Package traceid carries a causal identifier across asynchronous hops.
//
// The identifier lives in a context.Context. Executor captures it when a
// task is submitted, or generates a fresh one when the submitter has none,
// and hands the task a detached context carrying that id. Because the id
// travels with the task rather than with the goroutine that runs it, a
// pooled worker can never expose one task's id to another.
//
// The package also derives child ids ("parent:child"), stamps the id on
// slog records, and moves it through HTTP headers.
package traceid
