package batch

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Dedup is an admission predicate that refuses items whose key was accepted
// within the last ttl. Tracking is bounded by maxKeys; once the tracker is
// full older keys may be evicted and their duplicates admitted again.
type Dedup[T any] struct {
	key   func(T) string
	ttl   time.Duration
	mu    sync.Mutex
	cache *ristretto.Cache
}

// NewDedup returns a Dedup keyed by key. A non-positive ttl remembers keys
// until they are evicted.
func NewDedup[T any](key func(T) string, ttl time.Duration, maxKeys int64) (*Dedup[T], error) {
	if maxKeys <= 0 {
		maxKeys = 1e5
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxKeys * 10,
		MaxCost:            maxKeys,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Dedup[T]{key: key, ttl: ttl, cache: c}, nil
}

// Accepts reports whether item has not been seen recently and records it.
func (d *Dedup[T]) Accepts(item T) bool {
	k := d.key(item)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.cache.Get(k); seen {
		return false
	}
	ttl := d.ttl
	if ttl < 0 {
		ttl = 0
	}
	d.cache.SetWithTTL(k, struct{}{}, 1, ttl)
	d.cache.Wait()
	return true
}

// Close releases the tracker.
func (d *Dedup[T]) Close() {
	d.cache.Close()
}
