package traceid

import (
	"context"
	"strings"
)

type ctxKey struct{}

// WithID returns a copy of ctx carrying id. An empty id leaves ctx unchanged.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the causal id stored in ctx.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Current returns the causal id stored in ctx or the empty string.
func Current(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id
}

// Ensure returns ctx and its id, generating and attaching one with gen when
// ctx has none. A nil gen uses Default.
func Ensure(ctx context.Context, gen Generator) (context.Context, string) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	if gen == nil {
		gen = Default()
	}
	id := gen.NewID()
	return WithID(ctx, id), id
}

// Child returns a context whose id extends the current one with a fresh
// segment, "parent:child". Without a parent the fresh segment stands alone.
func Child(ctx context.Context, gen Generator) context.Context {
	if gen == nil {
		gen = Default()
	}
	child := gen.NewID()
	if parent, ok := FromContext(ctx); ok {
		child = parent + ":" + child
	}
	return WithID(ctx, child)
}

// Root strips child segments from id.
func Root(id string) string {
	root, _, _ := strings.Cut(id, ":")
	return root
}
