package sink

import (
	"context"
	"log/slog"
)

// Log writes a summary line per batch, and every item at debug level.
type Log[T any] struct {
	logger *slog.Logger
	name   string
}

// NewLog returns a sink logging to l, or slog.Default when l is nil.
func NewLog[T any](l *slog.Logger, name string) *Log[T] {
	if l == nil {
		l = slog.Default()
	}
	return &Log[T]{logger: l, name: name}
}

// Deliver implements batch.Sink.
func (s *Log[T]) Deliver(ctx context.Context, batch []T) error {
	s.logger.InfoContext(ctx, "sink: batch delivered", "sink", s.name, "size", len(batch))
	if s.logger.Enabled(ctx, slog.LevelDebug) {
		for i, item := range batch {
			s.logger.DebugContext(ctx, "sink: item", "sink", s.name, "index", i, "item", item)
		}
	}
	return nil
}
