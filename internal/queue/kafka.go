package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka backend.
type KafkaConfig struct {
	Brokers      []string      // broker addresses, required
	GroupID      string        // consumer group, default "ferry-replicas"
	BatchSize    int           // producer batch size, default 100
	BatchTimeout time.Duration // producer batch linger, default 10ms
	RequiredAcks int           // 1=leader, -1=all, default leader
	MaxRetries   int           // producer attempts, default 3
	RetryBackoff time.Duration // consumer commit retry backoff, default 100ms
}

// KafkaBus is a Bus over Kafka topics. Writers and readers are created
// lazily per subject; the consumer group gives each event to exactly one
// member of the group.
type KafkaBus struct {
	config        KafkaConfig
	writers       map[string]*kafka.Writer
	readers       map[string]*kafka.Reader
	subscriptions map[string]context.CancelFunc
	mu            sync.RWMutex
}

func newKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	if cfg.GroupID == "" {
		cfg.GroupID = "ferry-replicas"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = int(kafka.RequireOne)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	return &KafkaBus{
		config:        cfg,
		writers:       make(map[string]*kafka.Writer),
		readers:       make(map[string]*kafka.Reader),
		subscriptions: make(map[string]context.CancelFunc),
	}, nil
}

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(b.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    b.config.BatchSize,
		BatchTimeout: b.config.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(b.config.RequiredAcks),
		MaxAttempts:  b.config.MaxRetries,
	}
	b.writers[topic] = w
	return w
}

// Publish writes one message to the subject's topic.
func (b *KafkaBus) Publish(ctx context.Context, subject string, data []byte) error {
	w := b.writer(subject)
	err := w.WriteMessages(ctx, kafka.Message{Value: data, Time: time.Now()})
	if err != nil {
		return fmt.Errorf("publish to topic %s: %w", subject, err)
	}
	return nil
}

// PublishBatch groups messages by topic and writes each group in one
// call, counting the messages of the groups that succeeded.
func (b *KafkaBus) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	byTopic := make(map[string][]kafka.Message)
	for _, msg := range messages {
		byTopic[msg.Subject] = append(byTopic[msg.Subject], kafka.Message{
			Value: msg.Data,
			Time:  time.Now(),
		})
	}

	accepted := 0
	var lastErr error
	for topic, msgs := range byTopic {
		if err := b.writer(topic).WriteMessages(ctx, msgs...); err != nil {
			lastErr = err
			continue
		}
		accepted += len(msgs)
	}

	if lastErr != nil && accepted == 0 {
		return 0, fmt.Errorf("batch publish: %w", lastErr)
	}
	return accepted, nil
}

// Subscribe starts a group consumer for the subject's topic. Handled
// messages are committed; handler failures leave the offset uncommitted
// so the group redelivers.
func (b *KafkaBus) Subscribe(subject string, handler MessageHandler) error {
	b.mu.Lock()
	if _, ok := b.subscriptions[subject]; ok {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed to topic %s", subject)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.config.Brokers,
		GroupID:  b.config.GroupID,
		Topic:    subject,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	b.readers[subject] = reader
	b.subscriptions[subject] = cancel
	b.mu.Unlock()

	go b.consume(ctx, reader, handler)
	return nil
}

func (b *KafkaBus) consume(ctx context.Context, reader *kafka.Reader, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(b.config.RetryBackoff)
			continue
		}

		if err := handler(msg.Value); err != nil {
			continue
		}

		for i := 0; i < b.config.MaxRetries; i++ {
			if err := reader.CommitMessages(ctx, msg); err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(b.config.RetryBackoff)
		}
	}
}

// Unsubscribe stops the subject's consumer and closes its reader.
func (b *KafkaBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancel, ok := b.subscriptions[subject]
	if !ok {
		return fmt.Errorf("not subscribed to topic %s", subject)
	}
	cancel()
	if reader, ok := b.readers[subject]; ok {
		_ = reader.Close()
		delete(b.readers, subject)
	}
	delete(b.subscriptions, subject)
	return nil
}

// Close stops all consumers and closes writers and readers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for subject, cancel := range b.subscriptions {
		cancel()
		if reader, ok := b.readers[subject]; ok {
			if err := reader.Close(); err != nil {
				lastErr = err
			}
			delete(b.readers, subject)
		}
		delete(b.subscriptions, subject)
	}
	for topic, w := range b.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
		delete(b.writers, topic)
	}
	return lastErr
}
