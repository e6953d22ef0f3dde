package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-terra/v1/traceid"
)

const defaultNATSFlushTimeout = 2 * time.Second

// NATS publishes every item of a batch on a subject and flushes once, so a
// delivery only succeeds after the server has seen the whole batch.
type NATS[T any] struct {
	conn    *nats.Conn
	subject string
	codec   Codec
	header  string
}

// NewNATS returns a sink publishing on subject with JSON encoding.
func NewNATS[T any](conn *nats.Conn, subject string, codec Codec) *NATS[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &NATS[T]{conn: conn, subject: subject, codec: codec, header: traceid.Header}
}

// Deliver implements batch.Sink.
func (n *NATS[T]) Deliver(ctx context.Context, batch []T) error {
	tid := traceid.Current(ctx)
	for _, item := range batch {
		data, err := n.codec.Marshal(item)
		if err != nil {
			return fmt.Errorf("sink: encode nats message: %w", err)
		}
		msg := &nats.Msg{Subject: n.subject, Data: data}
		if tid != "" {
			msg.Header = nats.Header{}
			msg.Header.Set(n.header, tid)
		}
		if err := n.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("sink: nats publish %s: %w", n.subject, err)
		}
	}
	timeout := defaultNATSFlushTimeout
	if dl, ok := ctx.Deadline(); ok {
		if timeout = time.Until(dl); timeout <= 0 {
			return ctx.Err()
		}
	}
	if err := n.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("sink: nats flush: %w", err)
	}
	return nil
}
