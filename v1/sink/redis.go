package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-terra/v1/traceid"
)

// Field names of every stream entry written by RedisStream.
const (
	StreamDataField    = "data"
	StreamTraceIDField = "trace_id"
)

// RedisStream appends each batch to a Redis stream with one pipelined XADD
// per item.
type RedisStream[T any] struct {
	client redis.UniversalClient
	stream string
	codec  Codec
	maxLen int64
}

// RedisStreamOption configures a RedisStream.
type RedisStreamOption func(*redisStreamConfig)

type redisStreamConfig struct {
	codec  Codec
	maxLen int64
}

// WithStreamCodec sets the item codec. Defaults to JSONCodec.
func WithStreamCodec(c Codec) RedisStreamOption {
	return func(cfg *redisStreamConfig) {
		cfg.codec = c
	}
}

// WithStreamMaxLen caps the stream to roughly n entries. Zero leaves it
// unbounded.
func WithStreamMaxLen(n int64) RedisStreamOption {
	return func(cfg *redisStreamConfig) {
		cfg.maxLen = n
	}
}

// NewRedisStream returns a sink appending to stream.
func NewRedisStream[T any](client redis.UniversalClient, stream string, opts ...RedisStreamOption) *RedisStream[T] {
	cfg := redisStreamConfig{codec: JSONCodec{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisStream[T]{client: client, stream: stream, codec: cfg.codec, maxLen: cfg.maxLen}
}

// Deliver implements batch.Sink.
func (s *RedisStream[T]) Deliver(ctx context.Context, batch []T) error {
	tid := traceid.Current(ctx)
	pipe := s.client.Pipeline()
	for _, item := range batch {
		data, err := s.codec.Marshal(item)
		if err != nil {
			return fmt.Errorf("sink: encode stream entry: %w", err)
		}
		values := map[string]any{StreamDataField: data}
		if tid != "" {
			values[StreamTraceIDField] = tid
		}
		args := &redis.XAddArgs{Stream: s.stream, Values: values}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sink: xadd %s: %w", s.stream, err)
	}
	return nil
}
