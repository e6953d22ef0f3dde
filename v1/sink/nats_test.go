package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-terra/v1/traceid"
)

func TestNATSPublishesBatchWithTraceHeader(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	sub, err := conn.SubscribeSync("orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	n := NewNATS[order](conn, "orders", nil)
	ctx := traceid.WithID(context.Background(), "req-3")
	if err := n.Deliver(ctx, []order{{ID: 1}, {ID: 2}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	for want := 1; want <= 2; want++ {
		msg, err := sub.NextMsg(time.Second)
		if err != nil {
			t.Fatalf("next msg: %v", err)
		}
		var o order
		if err := json.Unmarshal(msg.Data, &o); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if o.ID != want {
			t.Fatalf("expected id %d, got %d", want, o.ID)
		}
		if got := msg.Header.Get(traceid.Header); got != "req-3" {
			t.Fatalf("expected trace header req-3, got %q", got)
		}
	}
}

func TestNATSClosedConnection(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.Close()

	n := NewNATS[order](conn, "orders", nil)
	if err := n.Deliver(context.Background(), []order{{ID: 1}}); err == nil {
		t.Fatal("expected error on closed connection")
	}
}
