package sink

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/mirkobrombin/go-terra/v1/traceid"
)

// Kafka sends each batch to a topic with a single SendMessages call.
type Kafka[T any] struct {
	producer sarama.SyncProducer
	topic    string
	codec    Codec
	key      func(T) string
	header   string
}

// KafkaOption configures a Kafka sink.
type KafkaOption[T any] func(*Kafka[T])

// WithKafkaCodec sets the item codec. Defaults to JSONCodec.
func WithKafkaCodec[T any](c Codec) KafkaOption[T] {
	return func(k *Kafka[T]) {
		k.codec = c
	}
}

// WithKafkaKey derives the partition key of each item.
func WithKafkaKey[T any](key func(T) string) KafkaOption[T] {
	return func(k *Kafka[T]) {
		k.key = key
	}
}

// WithKafkaHeader sets the record header carrying the causal id.
func WithKafkaHeader[T any](header string) KafkaOption[T] {
	return func(k *Kafka[T]) {
		k.header = header
	}
}

// NewKafka returns a sink producing to topic. The producer must be
// configured with Producer.Return.Successes enabled.
func NewKafka[T any](producer sarama.SyncProducer, topic string, opts ...KafkaOption[T]) *Kafka[T] {
	k := &Kafka[T]{producer: producer, topic: topic, codec: JSONCodec{}, header: traceid.Header}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Deliver implements batch.Sink.
func (k *Kafka[T]) Deliver(ctx context.Context, batch []T) error {
	msgs, err := k.messages(ctx, batch)
	if err != nil {
		return err
	}
	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("sink: kafka %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka[T]) messages(ctx context.Context, batch []T) ([]*sarama.ProducerMessage, error) {
	tid := traceid.Current(ctx)
	msgs := make([]*sarama.ProducerMessage, 0, len(batch))
	for _, item := range batch {
		data, err := k.codec.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("sink: encode kafka message: %w", err)
		}
		msg := &sarama.ProducerMessage{Topic: k.topic, Value: sarama.ByteEncoder(data)}
		if k.key != nil {
			msg.Key = sarama.StringEncoder(k.key(item))
		}
		if tid != "" {
			msg.Headers = []sarama.RecordHeader{{Key: []byte(k.header), Value: []byte(tid)}}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close closes the underlying producer.
func (k *Kafka[T]) Close() error {
	return k.producer.Close()
}
