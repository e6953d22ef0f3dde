package config

import (
	"errors"
	"fmt"
	"slices"
)

var (
	lockBackends = []string{"local", "memory", "redis"}
	busKinds     = []string{"memory", "redis", "nats"}
	sinkKinds    = []string{"log", "redis", "kafka", "nats"}
	codecNames   = []string{"json", "gob", "bytes"}
)

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains(lockBackends, c.Lock.Backend), "lock.backend %q is not one of %v", c.Lock.Backend, lockBackends)
	check(slices.Contains(busKinds, c.Lock.Bus), "lock.bus %q is not one of %v", c.Lock.Bus, busKinds)
	check(c.Lock.HoldDuration > 0, "lock.hold_duration must be positive")
	check(c.Lock.RetryInterval > 0, "lock.retry_interval must be positive")

	check(c.Batch.Capacity > 0, "batch.capacity must be positive")
	check(c.Batch.FlushInterval != 0, "batch.flush_interval must be non-zero (negative disables the timer)")
	check(c.Batch.ShutdownTimeout > 0, "batch.shutdown_timeout must be positive")
	check(c.Batch.Workers > 0, "batch.workers must be positive")
	check(c.Batch.MaxLen >= 0, "batch.max_len must not be negative")
	check(slices.Contains(codecNames, c.Batch.Codec), "batch.codec %q is not one of %v", c.Batch.Codec, codecNames)
	check(slices.Contains(sinkKinds, c.Batch.Sink), "batch.sink %q is not one of %v", c.Batch.Sink, sinkKinds)
	switch c.Batch.Sink {
	case "redis":
		check(c.Batch.Stream != "", "batch.stream is required by the redis sink")
	case "kafka":
		check(c.Batch.Topic != "", "batch.topic is required by the kafka sink")
	case "nats":
		check(c.Batch.Subject != "", "batch.subject is required by the nats sink")
	}

	check(c.Executor.PoolSize > 0, "executor.pool_size must be positive")
	check(c.Trace.Header != "", "trace.header must not be empty")

	if c.NeedsRedis() {
		check(c.Redis.Addr != "", "redis.addr is required")
	}
	if c.NeedsNATS() {
		check(c.NATS.URL != "", "nats.url is required")
	}
	if c.NeedsKafka() {
		check(len(c.Kafka.Brokers) > 0, "kafka.brokers is required")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// NeedsRedis reports whether some configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return (c.Lock.Enabled && c.Lock.Backend == "redis") || c.Batch.Sink == "redis"
}

// NeedsNATS reports whether some configured component talks to NATS.
func (c Config) NeedsNATS() bool {
	return (c.Lock.Enabled && c.Lock.Backend == "redis" && c.Lock.Bus == "nats") || c.Batch.Sink == "nats"
}

// NeedsKafka reports whether the batch sink is Kafka.
func (c Config) NeedsKafka() bool {
	return c.Batch.Sink == "kafka"
}
