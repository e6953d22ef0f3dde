package traceid

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Attribute names added to log records.
const (
	LogKey  = "trace_id"
	SpanKey = "span_id"
)

// LogHandler adds the causal id found in the record's context to every
// record passed to the wrapped handler, along with the id of the active
// OpenTelemetry span when there is one.
type LogHandler struct {
	inner slog.Handler
}

// NewLogHandler wraps inner.
func NewLogHandler(inner slog.Handler) *LogHandler {
	return &LogHandler{inner: inner}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	id, ok := FromContext(ctx)
	sc := trace.SpanContextFromContext(ctx)
	if !ok && !sc.IsValid() {
		return h.inner.Handle(ctx, r)
	}
	r = r.Clone()
	if ok {
		r.AddAttrs(slog.String(LogKey, id))
	}
	if sc.IsValid() {
		r.AddAttrs(slog.String(SpanKey, sc.SpanID().String()))
	}
	return h.inner.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name)}
}
