package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-terra/v1/batch"
)

var ErrCircuitOpen = errors.New("sink: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Sink so that after threshold consecutive
// failures deliveries fail fast with ErrCircuitOpen until timeout has
// passed, when a single probe delivery is let through.
type CircuitBreaker[T any] struct {
	sink      batch.Sink[T]
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker wraps sink.
func NewCircuitBreaker[T any](sink batch.Sink[T], threshold int, timeout time.Duration) *CircuitBreaker[T] {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker[T]{sink: sink, threshold: threshold, timeout: timeout}
}

// IsHealthy returns true if deliveries would currently be attempted.
func (cb *CircuitBreaker[T]) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return cb.state == stateClosed
}

func (cb *CircuitBreaker[T]) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
	}
	// half-open: the probe is already in flight
	return false
}

func (cb *CircuitBreaker[T]) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker[T]) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Deliver implements batch.Sink.
func (cb *CircuitBreaker[T]) Deliver(ctx context.Context, items []T) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.sink.Deliver(ctx, items); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}
