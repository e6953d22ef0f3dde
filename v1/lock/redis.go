package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-terra/v1/errors"
	"github.com/mirkobrombin/go-terra/v1/syncbus"
)

const (
	// DefaultHoldDuration bounds how long a lease survives a holder that
	// never releases.
	DefaultHoldDuration = 30 * time.Second
	// DefaultRetryInterval is the polling period used when no release
	// notification arrives.
	DefaultRetryInterval = 100 * time.Millisecond
	// DefaultKeyPrefix namespaces lock keys in Redis.
	DefaultKeyPrefix = "terra:lock:"

	unlockTopicPrefix = "terra:unlock:"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

type redisHolding struct {
	token string
	owner string
}

// Redis implements Backend using Redis leases. Each acquisition stores a
// random token under the lock key with the hold duration as expiry; release
// deletes the key only while it still carries that token.
type Redis struct {
	client redis.UniversalClient
	bus    syncbus.Bus
	hold   time.Duration
	retry  time.Duration
	prefix string

	mu   sync.Mutex
	held map[string]redisHolding
}

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithBus sets the bus used to wake waiters on release. A nil bus disables
// notifications and waiters rely on polling alone.
func WithBus(bus syncbus.Bus) RedisOption {
	return func(r *Redis) {
		r.bus = bus
	}
}

// WithHoldDuration sets the lease expiry.
func WithHoldDuration(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.hold = d
		}
	}
}

// WithRetryInterval sets the polling period between attempts.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

// WithKeyPrefix sets the namespace for lock keys.
func WithKeyPrefix(p string) RedisOption {
	return func(r *Redis) {
		r.prefix = p
	}
}

// NewRedis returns a new Redis backend using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		bus:    syncbus.NewInMemoryBus(),
		hold:   DefaultHoldDuration,
		retry:  DefaultRetryInterval,
		prefix: DefaultKeyPrefix,
		held:   make(map[string]redisHolding),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire implements Backend.Acquire.
func (r *Redis) Acquire(ctx context.Context, id string, maxWait time.Duration) (Result, error) {
	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	key := r.prefix + id
	topic := UnlockTopic(id)
	token := uuid.NewString()

	var notify chan struct{}
	defer func() {
		if notify != nil {
			_ = r.bus.Unsubscribe(context.Background(), topic, notify)
		}
	}()

	for {
		ok, err := r.client.SetNX(waitCtx, key, token, r.hold).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return waitResult(ctx), nil
			}
			return ResultBackendUnavailable, fmt.Errorf("%w: %w", warperrors.ErrBackendUnavailable, err)
		}
		if ok {
			r.mu.Lock()
			r.held[id] = redisHolding{token: token, owner: ownerFrom(ctx)}
			r.mu.Unlock()
			return ResultOK, nil
		}
		if maxWait <= 0 {
			return ResultTimeout, nil
		}
		if notify == nil && r.bus != nil {
			if ch, err := r.bus.Subscribe(waitCtx, topic); err == nil {
				notify = ch
				// a release may have happened before the subscription existed
				continue
			}
		}

		timer := time.NewTimer(r.retry)
		select {
		case _, open := <-notify:
			if !open {
				notify = nil
			}
		case <-timer.C:
		case <-waitCtx.Done():
			timer.Stop()
			return waitResult(ctx), nil
		}
		timer.Stop()
	}
}

// Release implements Backend.Release.
func (r *Redis) Release(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	h, ok := r.held[id]
	r.mu.Unlock()
	if !ok || h.owner != ownerFrom(ctx) {
		return false, nil
	}

	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + id}, h.token).Int64()
	if err != nil && err != redis.Nil {
		return false, err
	}

	r.mu.Lock()
	if cur, ok := r.held[id]; ok && cur.token == h.token {
		delete(r.held, id)
	}
	r.mu.Unlock()

	if n != 1 {
		// lease expired and the key is gone or owned by someone else
		return false, nil
	}
	if r.bus != nil {
		_ = r.bus.Publish(ctx, UnlockTopic(id))
	}
	return true, nil
}
