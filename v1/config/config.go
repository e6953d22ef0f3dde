// Package config loads the settings of a terra deployment from YAML, with
// TERRA_* environment variables taking precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TERRA_"

// Config is the root configuration.
type Config struct {
	Lock     LockConfig     `yaml:"lock"`
	Batch    BatchConfig    `yaml:"batch"`
	Executor ExecutorConfig `yaml:"executor"`
	Trace    TraceConfig    `yaml:"trace"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// LockConfig selects the lock backend. A disabled lock uses the local
// stub, which grants every request.
type LockConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"`
	HoldDuration  time.Duration `yaml:"hold_duration"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Bus           string        `yaml:"bus"`
}

// BatchConfig configures batch buffers and their sink.
type BatchConfig struct {
	Capacity        int           `yaml:"capacity"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Workers sizes a buffer's own delivery pool; buffers given the shared
	// executor ignore it.
	Workers         int           `yaml:"workers"`
	Sink            string        `yaml:"sink"`
	Codec           string        `yaml:"codec"`
	Stream          string        `yaml:"stream"`
	Topic           string        `yaml:"topic"`
	Subject         string        `yaml:"subject"`
	MaxLen          int64         `yaml:"max_len"`
}

// ExecutorConfig configures the shared task pool. The terra command runs
// buffer deliveries on it.
type ExecutorConfig struct {
	PoolSize int  `yaml:"pool_size"`
	Trace    bool `yaml:"trace"`
}

// TraceConfig configures causal id generation and propagation.
type TraceConfig struct {
	Header string `yaml:"header"`
	Prefix string `yaml:"prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// Default returns a standalone configuration: no distributed lock, an
// in-memory bus and a log sink.
func Default() Config {
	return Config{
		Lock: LockConfig{
			Backend:       "memory",
			HoldDuration:  30 * time.Second,
			RetryInterval: 100 * time.Millisecond,
			Bus:           "memory",
		},
		Batch: BatchConfig{
			Capacity:        2000,
			FlushInterval:   10 * time.Second,
			ShutdownTimeout: 3 * time.Second,
			Workers:         4,
			Sink:            "log",
			Codec:           "json",
			Stream:          "terra:batch",
			Topic:           "terra-batch",
			Subject:         "terra.batch",
		},
		Executor: ExecutorConfig{PoolSize: 4, Trace: true},
		Trace:    TraceConfig{Header: "X-Trace-Id"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		NATS:     NATSConfig{URL: "nats://127.0.0.1:4222"},
		Kafka:    KafkaConfig{Brokers: []string{"localhost:9092"}},
	}
}

// Parse decodes YAML over the defaults. Keys absent from data keep their
// default values.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Load reads path, applies environment overrides and validates the result.
// An empty path starts from the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type binding struct {
	name string
	set  func(string) error
}

func (c *Config) bindings() []binding {
	return []binding{
		{"LOCK_ENABLED", boolVar(&c.Lock.Enabled)},
		{"LOCK_BACKEND", stringVar(&c.Lock.Backend)},
		{"LOCK_HOLD_DURATION", durationVar(&c.Lock.HoldDuration)},
		{"LOCK_RETRY_INTERVAL", durationVar(&c.Lock.RetryInterval)},
		{"LOCK_BUS", stringVar(&c.Lock.Bus)},
		{"BATCH_CAPACITY", intVar(&c.Batch.Capacity)},
		{"BATCH_FLUSH_INTERVAL", durationVar(&c.Batch.FlushInterval)},
		{"BATCH_SHUTDOWN_TIMEOUT", durationVar(&c.Batch.ShutdownTimeout)},
		{"BATCH_WORKERS", intVar(&c.Batch.Workers)},
		{"BATCH_SINK", stringVar(&c.Batch.Sink)},
		{"BATCH_CODEC", stringVar(&c.Batch.Codec)},
		{"BATCH_STREAM", stringVar(&c.Batch.Stream)},
		{"BATCH_TOPIC", stringVar(&c.Batch.Topic)},
		{"BATCH_SUBJECT", stringVar(&c.Batch.Subject)},
		{"BATCH_MAX_LEN", int64Var(&c.Batch.MaxLen)},
		{"EXECUTOR_POOL_SIZE", intVar(&c.Executor.PoolSize)},
		{"EXECUTOR_TRACE", boolVar(&c.Executor.Trace)},
		{"TRACE_HEADER", stringVar(&c.Trace.Header)},
		{"TRACE_PREFIX", stringVar(&c.Trace.Prefix)},
		{"REDIS_ADDR", stringVar(&c.Redis.Addr)},
		{"REDIS_PASSWORD", stringVar(&c.Redis.Password)},
		{"REDIS_DB", intVar(&c.Redis.DB)},
		{"NATS_URL", stringVar(&c.NATS.URL)},
		{"KAFKA_BROKERS", listVar(&c.Kafka.Brokers)},
	}
}

// ApplyEnv overrides fields from TERRA_* variables found by lookup, such as
// TERRA_LOCK_BACKEND or TERRA_BATCH_FLUSH_INTERVAL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, b := range c.bindings() {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func stringVar(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func boolVar(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func intVar(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func int64Var(p *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func durationVar(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

func listVar(p *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*p = out
		return nil
	}
}
