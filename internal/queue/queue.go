// Package queue is the event bus that carries replication events from the
// capture path to the dispatcher. The memory backend serves single-binary
// deployments; nats, redis and kafka backends let capture and dispatch run
// in separate processes.
package queue

import "context"

// Backend type names accepted by the factory.
const (
	TypeMemory = "memory"
	TypeNATS   = "nats"
	TypeRedis  = "redis"
	TypeKafka  = "kafka"
)

// Publisher publishes messages to a subject.
type Publisher interface {
	// Publish sends one message. An error means the bus did not accept
	// the message; delivery to subscribers is at-least-once, not
	// synchronous.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishBatch sends many messages and reports how many the bus
	// accepted. Per-message failures do not abort the rest of the batch.
	PublishBatch(ctx context.Context, messages []BatchMessage) (int, error)

	// Close releases the connection.
	Close() error
}

// BatchMessage is one message of a batch publish.
type BatchMessage struct {
	Subject string
	Data    []byte
}

// Subscriber consumes messages from a subject.
type Subscriber interface {
	// Subscribe registers a handler for a subject. A handler error
	// leaves the message unacknowledged so the backend redelivers it.
	Subscribe(subject string, handler MessageHandler) error

	// Unsubscribe stops consuming a subject.
	Unsubscribe(subject string) error

	// Close releases the connection.
	Close() error
}

// MessageHandler processes one delivered message.
type MessageHandler func(data []byte) error

// Bus combines publishing and subscribing over one connection.
type Bus interface {
	Publisher
	Subscriber
}
