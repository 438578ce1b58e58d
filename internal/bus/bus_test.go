package bus

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	var got []string
	_, err := b.Subscribe(ctx, TopicNewsClustered, func(_ context.Context, msg Message) error {
		got = append(got, string(msg.Payload))
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, TopicNewsClustered, map[string]string{"cluster": "c1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(got[0]), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["cluster"] != "c1" {
		t.Errorf("payload = %v", payload)
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	count := 0
	b.Subscribe(ctx, TopicTradeExecuted, func(_ context.Context, _ Message) error {
		count++
		return nil
	})

	b.Publish(ctx, TopicNewsAnomaly, "unrelated")
	if count != 0 {
		t.Errorf("handler fired for a topic it never subscribed to")
	}
	b.Publish(ctx, TopicTradeExecuted, "trade")
	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	count := 0
	unsub, _ := b.Subscribe(ctx, TopicError, func(_ context.Context, _ Message) error {
		count++
		return nil
	})

	b.Publish(ctx, TopicError, "first")
	unsub()
	b.Publish(ctx, TopicError, "second")

	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestMemoryBusPublishAfterClose(t *testing.T) {
	b := NewMemoryBus()
	b.Close()
	if err := b.Publish(context.Background(), TopicInfo, "late"); err == nil {
		t.Error("expected error publishing on a closed bus")
	}
}

func TestNewMessageStampsIDAndTimestamp(t *testing.T) {
	msg, err := NewMessage(TopicDailyPnL, map[string]float64{"pnl": -12.5})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.ID == "" {
		t.Error("message ID empty")
	}
	if msg.Topic != TopicDailyPnL {
		t.Errorf("topic = %s", msg.Topic)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
