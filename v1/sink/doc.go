// Package sink provides batch.Sink implementations that write a whole batch
// in one round trip: Redis streams, Kafka topics, NATS subjects and slog.
// Items are encoded with a Codec and every record carries the causal id of
// the delivery context when one is present.
package sink
