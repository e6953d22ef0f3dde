package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	warperrors "github.com/mirkobrombin/go-terra/v1/errors"
	"github.com/mirkobrombin/go-terra/v1/metrics"
	"github.com/mirkobrombin/go-terra/v1/traceid"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-terra/v1/lock")

// Result is the outcome of an acquisition attempt.
type Result int

const (
	ResultOK Result = iota
	ResultTimeout
	ResultInterrupted
	ResultBackendUnavailable
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultTimeout:
		return "timeout"
	case ResultInterrupted:
		return "interrupted"
	case ResultBackendUnavailable:
		return "backend_unavailable"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Err maps r to the matching sentinel error, or nil for ResultOK.
func (r Result) Err() error {
	switch r {
	case ResultOK:
		return nil
	case ResultTimeout:
		return warperrors.ErrTimeout
	case ResultInterrupted:
		return warperrors.ErrInterrupted
	}
	return warperrors.ErrBackendUnavailable
}

// Backend is a mutual-exclusion implementation.
//
// Acquire waits at most maxWait for ownership of id. A non-positive maxWait
// means a single attempt. Release must verify that the caller still holds a
// valid lease and report false without error when it does not.
type Backend interface {
	Acquire(ctx context.Context, id string, maxWait time.Duration) (Result, error)
	Release(ctx context.Context, id string) (bool, error)
}

// UnlockTopic is the bus key on which backends announce that id was
// released or its lease expired.
func UnlockTopic(id string) string {
	return unlockTopicPrefix + id
}

type ownerKey struct{}

// WithOwner scopes lock ownership to owner. Callers sharing a backend
// instance without an owner are treated as a single holder.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// waitResult classifies a wait that ended before ownership was granted.
func waitResult(parent context.Context) Result {
	if parent.Err() != nil {
		return ResultInterrupted
	}
	return ResultTimeout
}

// Coordinator is the caller-facing lock surface.
type Coordinator struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Lock
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.metrics = metrics.NewLock(reg)
	}
}

// NewCoordinator returns a Coordinator over backend.
func NewCoordinator(backend Backend, opts ...Option) *Coordinator {
	c := &Coordinator{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire reports whether ownership of id was obtained within maxWait.
func (c *Coordinator) Acquire(ctx context.Context, id string, maxWait time.Duration) bool {
	return c.TryAcquire(ctx, id, maxWait) == ResultOK
}

// TryAcquire is Acquire with the reason for a refusal.
func (c *Coordinator) TryAcquire(ctx context.Context, id string, maxWait time.Duration) Result {
	ctx, span := tracer.Start(ctx, "Lock.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("terra.lock.id", id))
	if tid, ok := traceid.FromContext(ctx); ok {
		span.SetAttributes(attribute.String("terra.trace_id", tid))
	}

	start := time.Now()
	res, err := c.acquire(ctx, id, maxWait)
	waited := time.Since(start)
	c.metrics.ObserveAcquire(res.String(), waited)
	span.SetAttributes(attribute.String("terra.lock.result", res.String()))

	switch res {
	case ResultOK, ResultTimeout:
	case ResultInterrupted:
		c.logger.DebugContext(ctx, "lock: acquire interrupted", "id", id, "waited", waited)
	default:
		if err == nil {
			err = warperrors.ErrBackendUnavailable
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend unavailable")
		c.logger.WarnContext(ctx, "lock: acquire failed", "id", id, "error", err)
	}
	return res
}

func (c *Coordinator) acquire(ctx context.Context, id string, maxWait time.Duration) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = ResultBackendUnavailable, fmt.Errorf("lock: backend panic: %v", r)
		}
	}()
	return c.backend.Acquire(ctx, id, maxWait)
}

// Release gives up ownership of id. It reports true only when this call
// released a lease held by the caller; failures are logged, never returned.
func (c *Coordinator) Release(ctx context.Context, id string) bool {
	released, err := c.release(ctx, id)
	switch {
	case err != nil:
		c.metrics.ObserveRelease("error")
		c.logger.WarnContext(ctx, "lock: release failed", "id", id, "error", err)
		return false
	case released:
		c.metrics.ObserveRelease("released")
	default:
		c.metrics.ObserveRelease("noop")
	}
	return released
}

func (c *Coordinator) release(ctx context.Context, id string) (released bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			released, err = false, fmt.Errorf("lock: backend panic: %v", r)
		}
	}()
	return c.backend.Release(ctx, id)
}

// Do runs fn while holding id and releases it afterwards, even if ctx is
// cancelled by then. The returned error wraps ErrNotAcquired when the lock
// could not be obtained.
func (c *Coordinator) Do(ctx context.Context, id string, maxWait time.Duration, fn func(ctx context.Context) error) error {
	if res := c.TryAcquire(ctx, id, maxWait); res != ResultOK {
		return fmt.Errorf("%w: %q: %w", warperrors.ErrNotAcquired, id, res.Err())
	}
	defer c.Release(context.WithoutCancel(ctx), id)
	return fn(ctx)
}

// IsNotAcquired reports whether err came from a refused acquisition.
func IsNotAcquired(err error) bool {
	return stdErrors.Is(err, warperrors.ErrNotAcquired)
}
