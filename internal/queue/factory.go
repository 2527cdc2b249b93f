package queue

import (
	"fmt"
	"strings"

	"github.com/ferrydb/ferry/internal/config"
)

// New creates a Bus from configuration. An empty type selects the memory
// backend, which is all a single-binary deployment needs.
func New(cfg config.QueueConfig) (Bus, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeMemory, "":
		return newMemoryBus(), nil

	case TypeNATS:
		return newNATSBus(cfg.URL, cfg.Username, cfg.Password)

	case TypeRedis:
		return newRedisBus(RedisConfig{
			URL:      cfg.URL,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: cfg.RedisConsumer,
		})

	case TypeKafka:
		return newKafkaBus(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
		})

	default:
		return nil, fmt.Errorf("unsupported queue type: %s (supported: memory, nats, redis, kafka)", cfg.Type)
	}
}

// NewPublisher creates a publish-only view of the configured backend.
func NewPublisher(cfg config.QueueConfig) (Publisher, error) {
	return New(cfg)
}

// NewSubscriber creates a subscribe-only view of the configured backend.
func NewSubscriber(cfg config.QueueConfig) (Subscriber, error) {
	return New(cfg)
}
