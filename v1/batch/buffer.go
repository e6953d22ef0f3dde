package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	warperrors "github.com/mirkobrombin/go-terra/v1/errors"
	"github.com/mirkobrombin/go-terra/v1/executor"
	"github.com/mirkobrombin/go-terra/v1/metrics"
	"github.com/mirkobrombin/go-terra/v1/traceid"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-terra/v1/batch")

const (
	DefaultCapacity        = 2000
	DefaultFlushInterval   = 10 * time.Second
	DefaultShutdownTimeout = 3 * time.Second
	DefaultWorkers         = 4
)

// Sink performs the bulk write of one batch. The batch is owned by the sink
// for the duration of the call.
type Sink[T any] interface {
	Deliver(ctx context.Context, batch []T) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc[T any] func(ctx context.Context, batch []T) error

// Deliver implements Sink.
func (f SinkFunc[T]) Deliver(ctx context.Context, batch []T) error { return f(ctx, batch) }

// Config holds the thresholds of a Buffer. Zero fields take defaults; a
// negative FlushInterval disables the timer.
type Config struct {
	Capacity        int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
	// Workers sizes the delivery pool created when no executor is given.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Option configures a Buffer.
type Option[T any] func(*Buffer[T])

// WithName labels the buffer in logs, spans and metrics.
func WithName[T any](name string) Option[T] {
	return func(b *Buffer[T]) {
		b.name = name
	}
}

// WithAccepts sets the admission predicate. Rejected items are dropped.
func WithAccepts[T any](accepts func(T) bool) Option[T] {
	return func(b *Buffer[T]) {
		b.accepts = accepts
	}
}

// WithExecutor runs deliveries on exec instead of an owned pool. The buffer
// does not shut exec down. When exec implements executor.TryExecutor, a
// refused delivery is reported as a failed one.
func WithExecutor[T any](exec executor.Executor) Option[T] {
	return func(b *Buffer[T]) {
		b.exec = exec
	}
}

// WithGenerator sets the id generator of the owned delivery pool, used for
// flushes without a causal id such as timer flushes.
func WithGenerator[T any](g traceid.Generator) Option[T] {
	return func(b *Buffer[T]) {
		b.gen = g
	}
}

// WithLogger sets the buffer logger.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(b *Buffer[T]) {
		b.logger = l
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(b *Buffer[T]) {
		b.reg = reg
	}
}

// Buffer accumulates items and flushes them to a Sink.
type Buffer[T any] struct {
	name            string
	sink            Sink[T]
	accepts         func(T) bool
	capacity        int
	interval        time.Duration
	shutdownTimeout time.Duration
	exec            executor.Executor
	gen             traceid.Generator
	pool            *executor.Pool
	logger          *slog.Logger
	reg             prometheus.Registerer
	metrics         *metrics.Batch

	mu       sync.Mutex
	pending  []T
	closed   bool
	inflight sync.WaitGroup

	stop      chan struct{}
	timerDone chan struct{}
	once      sync.Once
	stopErr   error
}

// New returns a running Buffer delivering to sink.
func New[T any](sink Sink[T], cfg Config, opts ...Option[T]) *Buffer[T] {
	cfg = cfg.withDefaults()
	b := &Buffer[T]{
		name:            "default",
		sink:            sink,
		capacity:        cfg.Capacity,
		interval:        cfg.FlushInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          slog.Default(),
		stop:            make(chan struct{}),
		timerDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.reg != nil {
		b.metrics = metrics.NewBatch(b.reg, b.name)
	}
	if b.exec == nil {
		b.pool = executor.NewPool(cfg.Workers, executor.WithName("batch-"+b.name), executor.WithLogger(b.logger))
		var topts []traceid.Option
		if b.gen != nil {
			topts = append(topts, traceid.WithGenerator(b.gen))
		}
		b.exec = traceid.NewExecutor(b.pool, topts...)
	}
	b.pending = make([]T, 0, b.capacity)

	if b.interval > 0 {
		go b.runTimer()
	} else {
		close(b.timerDone)
	}
	return b
}

// Submit offers item to the buffer. It reports whether the item was accepted;
// items failing the admission predicate, or arriving after Shutdown, are not.
// When the item fills the buffer, the flush is started before Submit returns
// but the delivery runs asynchronously.
func (b *Buffer[T]) Submit(ctx context.Context, item T) bool {
	if b.accepts != nil && !b.accepts(item) {
		b.metrics.Item("dropped")
		return false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.metrics.Item("rejected")
		b.logger.WarnContext(ctx, "batch: submit after shutdown", "buffer", b.name)
		return false
	}
	b.pending = append(b.pending, item)
	var batch []T
	if len(b.pending) >= b.capacity {
		batch = b.swapLocked()
	}
	n := len(b.pending)
	b.mu.Unlock()

	b.metrics.Item("accepted")
	b.metrics.SetPending(n)
	if batch != nil {
		b.dispatch(ctx, batch, "capacity")
	}
	return true
}

// Flush hands every pending item to the sink. Flushing an empty buffer does
// nothing.
func (b *Buffer[T]) Flush(ctx context.Context) {
	b.flush(ctx, "manual")
}

// Len returns the number of pending items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer[T]) flush(ctx context.Context, trigger string) {
	b.mu.Lock()
	batch := b.swapLocked()
	b.mu.Unlock()
	if batch != nil {
		b.metrics.SetPending(0)
		b.dispatch(ctx, batch, trigger)
	}
}

// swapLocked detaches the pending slice and registers it as in flight.
// It returns nil when nothing is pending.
func (b *Buffer[T]) swapLocked() []T {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]T, 0, b.capacity)
	b.inflight.Add(1)
	return batch
}

func (b *Buffer[T]) dispatch(ctx context.Context, batch []T, trigger string) {
	b.metrics.Flush(trigger)
	b.logger.DebugContext(ctx, "batch: flushing", "buffer", b.name, "size", len(batch), "trigger", trigger)
	accepted := executor.TrySubmit(ctx, b.exec, func(ctx context.Context) {
		b.deliver(ctx, batch)
	})
	if !accepted {
		b.refused(ctx, batch)
	}
}

func (b *Buffer[T]) refused(ctx context.Context, batch []T) {
	defer b.inflight.Done()
	err := fmt.Errorf("batch: executor refused delivery: %w", warperrors.ErrRejected)
	b.metrics.Delivery(err, len(batch))
	b.logger.ErrorContext(ctx, "batch: delivery failed", "buffer", b.name, "size", len(batch), "error", err)
}

func (b *Buffer[T]) deliver(ctx context.Context, batch []T) {
	defer b.inflight.Done()
	ctx, span := tracer.Start(ctx, "Buffer.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("terra.batch.buffer", b.name),
		attribute.Int("terra.batch.size", len(batch)),
	)
	if id, ok := traceid.FromContext(ctx); ok {
		span.SetAttributes(attribute.String("terra.trace_id", id))
	}

	start := time.Now()
	err := b.safeDeliver(ctx, batch)
	b.metrics.Delivery(err, len(batch))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		b.logger.ErrorContext(ctx, "batch: delivery failed", "buffer", b.name, "size", len(batch), "error", err)
		return
	}
	b.logger.DebugContext(ctx, "batch: delivered", "buffer", b.name, "size", len(batch), "took", time.Since(start))
}

func (b *Buffer[T]) safeDeliver(ctx context.Context, batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch: sink panic: %v", r)
		}
	}()
	return b.sink.Deliver(ctx, batch)
}

func (b *Buffer[T]) runTimer() {
	defer close(b.timerDone)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush(context.Background(), "timer")
		case <-b.stop:
			return
		}
	}
}

// Shutdown flushes what is pending, stops the timer and waits for
// outstanding deliveries for at most the configured shutdown timeout (or
// until ctx is done). On expiry the owned delivery pool is terminated and
// ErrTimeout is returned. Later calls return the first result.
func (b *Buffer[T]) Shutdown(ctx context.Context) error {
	b.once.Do(func() {
		b.stopErr = b.shutdown(ctx)
	})
	return b.stopErr
}

func (b *Buffer[T]) shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	batch := b.swapLocked()
	b.mu.Unlock()
	if batch != nil {
		b.metrics.SetPending(0)
		b.dispatch(ctx, batch, "shutdown")
	}

	close(b.stop)
	<-b.timerDone

	ctx, cancel := context.WithTimeout(ctx, b.shutdownTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		if b.pool != nil {
			return b.pool.Shutdown(ctx)
		}
		return nil
	case <-ctx.Done():
		if b.pool != nil {
			b.pool.Terminate()
		}
		b.logger.Warn("batch: shutdown timed out, outstanding deliveries abandoned", "buffer", b.name)
		return warperrors.ErrTimeout
	}
}
