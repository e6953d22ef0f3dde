package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	warperrors "github.com/mirkobrombin/go-terra/v1/errors"
	"github.com/mirkobrombin/go-terra/v1/metrics"
)

// DefaultPoolSize is the number of tasks a pool runs at once when no size
// is given.
const DefaultPoolSize = 4

// Pool runs at most size tasks concurrently. Submissions never block: tasks
// beyond the limit wait for a free slot, with no guarantee on the order in
// which waiting tasks start.
type Pool struct {
	name    string
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	metrics *metrics.Pool

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithName labels the pool in logs and metrics.
func WithName(name string) PoolOption {
	return func(p *Pool) {
		p.name = name
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. It must follow WithName to pick up the pool label.
func WithMetrics(reg prometheus.Registerer) PoolOption {
	return func(p *Pool) {
		p.metrics = metrics.NewPool(reg, p.name)
	}
}

// NewPool returns a pool running up to size tasks at once.
func NewPool(size int, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   "default",
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute implements Executor. Tasks submitted after Shutdown are dropped
// and logged.
func (p *Pool) Execute(ctx context.Context, task Task) {
	p.TryExecute(ctx, task)
}

// TryExecute implements TryExecutor. It returns false, without running task,
// once the pool is shut down or terminated.
func (p *Pool) TryExecute(ctx context.Context, task Task) bool {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.metrics.Task("dropped")
		p.logger.WarnContext(ctx, "executor: task rejected after shutdown", "pool", p.name)
		return false
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	p.metrics.Task("submitted")
	go p.run(ctx, task)
	return true
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer p.wg.Done()
	if err := p.sem.Acquire(p.ctx, 1); err != nil || p.ctx.Err() != nil {
		if err == nil {
			p.sem.Release(1)
		}
		p.metrics.Task("dropped")
		p.logger.WarnContext(ctx, "executor: queued task dropped by termination", "pool", p.name)
		return
	}
	defer p.sem.Release(1)

	p.metrics.AddActive(1)
	defer p.metrics.AddActive(-1)
	defer func() {
		if r := recover(); r != nil {
			p.metrics.Task("panicked")
			p.logger.ErrorContext(ctx, "executor: task panicked", "pool", p.name, "panic", r)
			return
		}
		p.metrics.Task("completed")
	}()
	task(ctx)
}

// Shutdown stops accepting tasks and waits for queued and running ones until
// ctx is done. On expiry it terminates the pool, dropping tasks that have not
// started, and returns ErrTimeout. Running tasks are never interrupted.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.Terminate()
		p.logger.Warn("executor: shutdown timed out, pool terminated", "pool", p.name)
		return warperrors.ErrTimeout
	}
}

// Terminate drops every task still waiting for a slot.
func (p *Pool) Terminate() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}
