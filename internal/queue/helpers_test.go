package queue

import "github.com/nats-io/nats.go"

// Test-only wrappers so tests can build specific backends while the
// constructors stay unexported.

func NewNATSBus(url string) (*NATSBus, error) {
	return newNATSBus(url, "", "")
}

func NewNATSBusWithConn(conn *nats.Conn) (*NATSBus, error) {
	return newNATSBusWithConn(conn)
}

func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	return newRedisBus(cfg)
}

func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	return newKafkaBus(cfg)
}

func NewMemoryBus() *MemoryBus {
	return newMemoryBus()
}
