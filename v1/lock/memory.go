package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-terra/v1/syncbus"
)

type memoryLease struct {
	owner    string
	gen      uint64
	timer    *time.Timer
	released chan struct{}
}

// InMemory implements Backend with process-local state. Leases expire after
// the hold duration unless released first.
type InMemory struct {
	hold time.Duration
	bus  syncbus.Bus

	mu    sync.Mutex
	gen   uint64
	locks map[string]*memoryLease
}

// InMemoryOption configures an InMemory backend.
type InMemoryOption func(*InMemory)

// WithMemoryHoldDuration sets the lease length. A non-positive duration
// keeps leases until they are released.
func WithMemoryHoldDuration(d time.Duration) InMemoryOption {
	return func(l *InMemory) {
		l.hold = d
	}
}

// WithMemoryBus announces releases and expiries on bus under UnlockTopic.
func WithMemoryBus(bus syncbus.Bus) InMemoryOption {
	return func(l *InMemory) {
		l.bus = bus
	}
}

// NewInMemory returns a new in-process backend.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	l := &InMemory{hold: DefaultHoldDuration, locks: make(map[string]*memoryLease)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire implements Backend.Acquire.
func (l *InMemory) Acquire(ctx context.Context, id string, maxWait time.Duration) (Result, error) {
	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	owner := ownerFrom(ctx)
	for {
		if ctx.Err() != nil {
			return ResultInterrupted, nil
		}
		l.mu.Lock()
		st, held := l.locks[id]
		if !held {
			l.grantLocked(id, owner)
			l.mu.Unlock()
			return ResultOK, nil
		}
		released := st.released
		l.mu.Unlock()

		if maxWait <= 0 {
			return ResultTimeout, nil
		}
		select {
		case <-released:
		case <-waitCtx.Done():
			return waitResult(ctx), nil
		}
	}
}

func (l *InMemory) grantLocked(id, owner string) {
	l.gen++
	st := &memoryLease{owner: owner, gen: l.gen, released: make(chan struct{})}
	if l.hold > 0 {
		gen := st.gen
		st.timer = time.AfterFunc(l.hold, func() {
			l.expire(id, gen)
		})
	}
	l.locks[id] = st
}

func (l *InMemory) expire(id string, gen uint64) {
	l.mu.Lock()
	st, ok := l.locks[id]
	expired := ok && st.gen == gen
	if expired {
		l.dropLocked(id, st)
	}
	l.mu.Unlock()
	if expired {
		l.announce(context.Background(), id)
	}
}

func (l *InMemory) announce(ctx context.Context, id string) {
	if l.bus != nil {
		_ = l.bus.Publish(context.WithoutCancel(ctx), UnlockTopic(id))
	}
}

func (l *InMemory) dropLocked(id string, st *memoryLease) {
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.released)
	delete(l.locks, id)
}

// Release implements Backend.Release.
func (l *InMemory) Release(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	st, ok := l.locks[id]
	if !ok || st.owner != ownerFrom(ctx) {
		l.mu.Unlock()
		return false, nil
	}
	l.dropLocked(id, st)
	l.mu.Unlock()
	l.announce(ctx, id)
	return true, nil
}
