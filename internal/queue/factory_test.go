package queue

import (
	"testing"

	"github.com/ferrydb/ferry/internal/config"
)

func TestNew_DefaultsToMemory(t *testing.T) {
	bus, err := New(config.QueueConfig{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = bus.Close() }()

	if _, ok := bus.(*MemoryBus); !ok {
		t.Errorf("bus type = %T, want *MemoryBus", bus)
	}
}

func TestNew_ExplicitMemory(t *testing.T) {
	bus, err := New(config.QueueConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = bus.Close() }()

	if _, ok := bus.(*MemoryBus); !ok {
		t.Errorf("bus type = %T, want *MemoryBus", bus)
	}
}

func TestNew_TypeIsCaseInsensitive(t *testing.T) {
	bus, err := New(config.QueueConfig{Type: "Memory"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = bus.Close() }()

	if _, ok := bus.(*MemoryBus); !ok {
		t.Errorf("bus type = %T, want *MemoryBus", bus)
	}
}

func TestNew_UnsupportedType(t *testing.T) {
	if _, err := New(config.QueueConfig{Type: "rabbitmq"}); err == nil {
		t.Fatal("expected unsupported type to fail")
	}
}

func TestNew_KafkaWithoutBrokers(t *testing.T) {
	if _, err := New(config.QueueConfig{Type: "kafka"}); err == nil {
		t.Fatal("expected kafka without brokers to fail")
	}
}

func TestNew_KafkaWithBrokers(t *testing.T) {
	bus, err := New(config.QueueConfig{
		Type:         "kafka",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaGroupID: "test-group",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = bus.Close() }()

	kb, ok := bus.(*KafkaBus)
	if !ok {
		t.Fatalf("bus type = %T, want *KafkaBus", bus)
	}
	if kb.config.GroupID != "test-group" {
		t.Errorf("GroupID = %q, want %q", kb.config.GroupID, "test-group")
	}
}

func TestNew_NATSUnreachable(t *testing.T) {
	if _, err := New(config.QueueConfig{Type: "nats", URL: "nats://127.0.0.1:1"}); err == nil {
		t.Fatal("expected connection to an unused port to fail")
	}
}

func TestNewPublisherAndSubscriber(t *testing.T) {
	pub, err := NewPublisher(config.QueueConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	defer func() { _ = pub.Close() }()

	sub, err := NewSubscriber(config.QueueConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}
	defer func() { _ = sub.Close() }()
}
