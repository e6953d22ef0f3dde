package sink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"

	"github.com/mirkobrombin/go-terra/v1/traceid"
)

func TestKafkaSendsWholeBatch(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	defer sp.Close()
	for i := 1; i <= 2; i++ {
		want := i
		sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var o order
			if err := json.Unmarshal(val, &o); err != nil {
				return err
			}
			if o.ID != want {
				return errors.New("out of order message")
			}
			return nil
		})
	}

	k := NewKafka[order](sp, "orders")
	if err := k.Deliver(context.Background(), []order{{ID: 1}, {ID: 2}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

func TestKafkaDeliveryFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	defer sp.Close()
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := NewKafka[order](sp, "orders")
	if err := k.Deliver(context.Background(), []order{{ID: 1}}); err == nil {
		t.Fatal("expected delivery error")
	}
}

func TestKafkaMessagesCarryKeyAndTraceHeader(t *testing.T) {
	k := NewKafka[order](nil, "orders", WithKafkaKey(func(o order) string { return o.Owner }))
	msgs, err := k.messages(traceid.WithID(context.Background(), "req-9"), []order{{ID: 1, Owner: "ann"}})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "orders" {
		t.Fatalf("unexpected topic %q", m.Topic)
	}
	if key, _ := m.Key.Encode(); string(key) != "ann" {
		t.Fatalf("unexpected key %q", key)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Key) != traceid.Header || string(m.Headers[0].Value) != "req-9" {
		t.Fatalf("unexpected headers %v", m.Headers)
	}
}

func TestKafkaIntegration(t *testing.T) {
	addr := os.Getenv("TERRA_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("TERRA_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	k := NewKafka[order](producer, "test-"+uuid.NewString())
	defer k.Close()
	if err := k.Deliver(context.Background(), []order{{ID: 1}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
}
