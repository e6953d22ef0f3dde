// Package presets builds wired terra components from a config.Config, so
// callers can switch between a standalone process and a Redis, NATS or
// Kafka backed deployment without changing code.
package presets

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-terra/v1/batch"
	"github.com/mirkobrombin/go-terra/v1/config"
	"github.com/mirkobrombin/go-terra/v1/executor"
	"github.com/mirkobrombin/go-terra/v1/lock"
	"github.com/mirkobrombin/go-terra/v1/sink"
	"github.com/mirkobrombin/go-terra/v1/syncbus"
	"github.com/mirkobrombin/go-terra/v1/traceid"
)

// Deps holds the connections and collaborators shared by the components
// built here. A nil connection is only an error when the configuration
// selects a component that needs it.
type Deps struct {
	// Bus carries lock release notifications. When nil, the first lock
	// backend built from these deps creates one and stores it here.
	Bus        syncbus.Bus
	Redis      *redis.Client
	NATS       *nats.Conn
	Kafka      sarama.SyncProducer
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d == nil || d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) registerer() prometheus.Registerer {
	if d == nil {
		return nil
	}
	return d.Registerer
}

// Close closes every connection held by d.
func (d *Deps) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	if d.Kafka != nil {
		errs = append(errs, d.Kafka.Close())
	}
	if d.NATS != nil {
		d.NATS.Close()
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	return errors.Join(errs...)
}

// NewRedisClient returns a client for cfg. It does not dial.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewNATSConn connects to the NATS server at cfg.URL.
func NewNATSConn(cfg config.NATSConfig) (*nats.Conn, error) {
	return nats.Connect(cfg.URL, nats.Name("terra"))
}

// NewKafkaProducer returns a synchronous producer that waits for all
// in-sync replicas.
func NewKafkaProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	return sarama.NewSyncProducer(cfg.Brokers, sc)
}

// Dial opens the connections cfg needs and nothing else.
func Dial(cfg config.Config, reg prometheus.Registerer, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Registerer: reg, Logger: logger}
	if cfg.NeedsRedis() {
		d.Redis = NewRedisClient(cfg.Redis)
	}
	if cfg.NeedsNATS() {
		nc, err := NewNATSConn(cfg.NATS)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("presets: nats: %w", err)
		}
		d.NATS = nc
	}
	if cfg.NeedsKafka() {
		p, err := NewKafkaProducer(cfg.Kafka)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("presets: kafka: %w", err)
		}
		d.Kafka = p
	}
	return d, nil
}

// NewGenerator returns the causal id generator for cfg.
func NewGenerator(cfg config.TraceConfig) traceid.Generator {
	if cfg.Prefix != "" {
		return traceid.NewHostGenerator(cfg.Prefix)
	}
	return traceid.Default()
}

// NewBus returns the unlock notification bus of the Redis lock backend.
func NewBus(cfg config.LockConfig, deps *Deps) (syncbus.Bus, error) {
	switch cfg.Bus {
	case "", "memory":
		return syncbus.NewInMemoryBus(), nil
	case "redis":
		if deps == nil || deps.Redis == nil {
			return nil, errors.New("presets: redis bus needs a redis client")
		}
		return syncbus.NewRedisBus(deps.Redis), nil
	case "nats":
		if deps == nil || deps.NATS == nil {
			return nil, errors.New("presets: nats bus needs a nats connection")
		}
		return syncbus.NewNATSBus(deps.NATS), nil
	}
	return nil, fmt.Errorf("presets: unknown bus %q", cfg.Bus)
}

// NewBackend picks the lock backend: the local stub when locking is
// disabled, otherwise the configured one.
func NewBackend(cfg config.LockConfig, deps *Deps) (lock.Backend, error) {
	if !cfg.Enabled {
		return lock.NewLocal(), nil
	}
	switch cfg.Backend {
	case "local":
		deps.logger().Warn("presets: lock enabled with the local stub, mutual exclusion is not enforced")
		return lock.NewLocal(), nil
	case "", "memory":
		bus, err := lockBus(cfg, deps)
		if err != nil {
			return nil, err
		}
		return lock.NewInMemory(lock.WithMemoryHoldDuration(cfg.HoldDuration), lock.WithMemoryBus(bus)), nil
	case "redis":
		if deps == nil || deps.Redis == nil {
			return nil, errors.New("presets: redis lock needs a redis client")
		}
		bus, err := lockBus(cfg, deps)
		if err != nil {
			return nil, err
		}
		return lock.NewRedis(deps.Redis,
			lock.WithBus(bus),
			lock.WithHoldDuration(cfg.HoldDuration),
			lock.WithRetryInterval(cfg.RetryInterval),
		), nil
	}
	return nil, fmt.Errorf("presets: unknown lock backend %q", cfg.Backend)
}

func lockBus(cfg config.LockConfig, deps *Deps) (syncbus.Bus, error) {
	if deps != nil && deps.Bus != nil {
		return deps.Bus, nil
	}
	bus, err := NewBus(cfg, deps)
	if err != nil {
		return nil, err
	}
	if deps != nil {
		deps.Bus = bus
	}
	return bus, nil
}

// NewCoordinator returns a Coordinator over the backend chosen by cfg.
func NewCoordinator(cfg config.Config, deps *Deps) (*lock.Coordinator, error) {
	backend, err := NewBackend(cfg.Lock, deps)
	if err != nil {
		return nil, err
	}
	opts := []lock.Option{lock.WithLogger(deps.logger())}
	if reg := deps.registerer(); reg != nil {
		opts = append(opts, lock.WithMetrics(reg))
	}
	return lock.NewCoordinator(backend, opts...), nil
}

// NewExecutor returns the shared task executor and the pool behind it, which
// the caller shuts down.
func NewExecutor(cfg config.Config, deps *Deps) (executor.Executor, *executor.Pool) {
	popts := []executor.PoolOption{executor.WithName("terra"), executor.WithLogger(deps.logger())}
	if reg := deps.registerer(); reg != nil {
		popts = append(popts, executor.WithMetrics(reg))
	}
	pool := executor.NewPool(cfg.Executor.PoolSize, popts...)
	if !cfg.Executor.Trace {
		return pool, pool
	}
	return traceid.NewExecutor(pool, traceid.WithGenerator(NewGenerator(cfg.Trace))), pool
}

// NewSink returns the batch sink selected by cfg.Sink.
func NewSink[T any](cfg config.BatchConfig, deps *Deps) (batch.Sink[T], error) {
	codec, ok := sink.CodecByName(cfg.Codec)
	if !ok {
		return nil, fmt.Errorf("presets: unknown codec %q", cfg.Codec)
	}
	switch cfg.Sink {
	case "", "log":
		return sink.NewLog[T](deps.logger(), "log"), nil
	case "redis":
		if deps == nil || deps.Redis == nil {
			return nil, errors.New("presets: redis sink needs a redis client")
		}
		return sink.NewRedisStream[T](deps.Redis, cfg.Stream,
			sink.WithStreamCodec(codec), sink.WithStreamMaxLen(cfg.MaxLen)), nil
	case "kafka":
		if deps == nil || deps.Kafka == nil {
			return nil, errors.New("presets: kafka sink needs a producer")
		}
		return sink.NewKafka[T](deps.Kafka, cfg.Topic, sink.WithKafkaCodec[T](codec)), nil
	case "nats":
		if deps == nil || deps.NATS == nil {
			return nil, errors.New("presets: nats sink needs a nats connection")
		}
		return sink.NewNATS[T](deps.NATS, cfg.Subject, codec), nil
	}
	return nil, fmt.Errorf("presets: unknown sink %q", cfg.Sink)
}

// NewBuffer returns a running Buffer delivering to the sink selected by cfg.
// opts are applied after the configured ones. With a registerer in deps, each
// buffer name may only be built once per registry.
func NewBuffer[T any](cfg config.Config, deps *Deps, opts ...batch.Option[T]) (*batch.Buffer[T], error) {
	s, err := NewSink[T](cfg.Batch, deps)
	if err != nil {
		return nil, err
	}
	base := []batch.Option[T]{
		batch.WithLogger[T](deps.logger()),
		batch.WithGenerator[T](NewGenerator(cfg.Trace)),
	}
	if reg := deps.registerer(); reg != nil {
		base = append(base, batch.WithMetrics[T](reg))
	}
	return batch.New[T](s, batch.Config{
		Capacity:        cfg.Batch.Capacity,
		FlushInterval:   cfg.Batch.FlushInterval,
		ShutdownTimeout: cfg.Batch.ShutdownTimeout,
		Workers:         cfg.Batch.Workers,
	}, append(base, opts...)...), nil
}
