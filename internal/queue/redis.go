package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisReadCount    = 128
	redisReadBlock    = 5 * time.Second
	redisErrorBackoff = 250 * time.Millisecond
)

// RedisConfig configures the Redis Streams backend.
type RedisConfig struct {
	URL      string // redis://host:port URL or bare host:port
	Password string // used only when URL is not a redis:// URL
	DB       int    // database number when URL is not a redis:// URL
	Stream   string // stream key prefix, default "ferry"
	Group    string // consumer group, default "ferry-group"
	Consumer string // consumer name, default hostname
}

// RedisBus is a Bus over Redis Streams with a consumer group, so several
// ferry processes can share one group and each event is handled once.
type RedisBus struct {
	client        *redis.Client
	config        RedisConfig
	subscriptions map[string]context.CancelFunc
	mu            sync.RWMutex
}

func newRedisBus(cfg RedisConfig) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		// Bare host:port form.
		opts = &redis.Options{
			Addr:     cfg.URL,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if cfg.Stream == "" {
		cfg.Stream = "ferry"
	}
	if cfg.Group == "" {
		cfg.Group = "ferry-group"
	}
	if cfg.Consumer == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "ferry-consumer"
		}
		cfg.Consumer = hostname
	}

	return &RedisBus{
		client:        client,
		config:        cfg,
		subscriptions: make(map[string]context.CancelFunc),
	}, nil
}

func (b *RedisBus) streamKey(subject string) string {
	return b.config.Stream + ":" + subject
}

// Publish appends the message to the subject's stream.
func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte) error {
	key := b.streamKey(subject)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     "*",
		Values: map[string]interface{}{"event": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", key, err)
	}
	return nil
}

// PublishBatch pipelines all appends in one round-trip.
func (b *RedisBus) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	pipe := b.client.Pipeline()
	for _, msg := range messages {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.streamKey(msg.Subject),
			ID:     "*",
			Values: map[string]interface{}{"event": msg.Data},
		})
	}
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch publish: %w", err)
	}

	accepted := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			accepted++
		}
	}
	return accepted, nil
}

// Subscribe creates the consumer group if needed and starts a read loop.
// Handled messages are acked; handler failures leave the entry pending
// for redelivery to the group.
func (b *RedisBus) Subscribe(subject string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[subject]; ok {
		return fmt.Errorf("already subscribed to subject %s", subject)
	}

	key := b.streamKey(subject)
	ctx, cancel := context.WithCancel(context.Background())

	err := b.client.XGroupCreateMkStream(ctx, key, b.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		cancel()
		return fmt.Errorf("create consumer group for %s: %w", key, err)
	}

	go b.readLoop(ctx, key, handler)

	b.subscriptions[subject] = cancel
	return nil
}

func (b *RedisBus) readLoop(ctx context.Context, key string, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.config.Group,
			Consumer: b.config.Consumer,
			Streams:  []string{key, ">"},
			Count:    redisReadCount,
			Block:    redisReadBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// Transient server errors must not turn into a hot loop.
			time.Sleep(redisErrorBackoff)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				payload, ok := msg.Values["event"].(string)
				if !ok {
					// Malformed entry, ack it away.
					b.client.XAck(ctx, key, b.config.Group, msg.ID)
					continue
				}
				if err := handler([]byte(payload)); err != nil {
					continue
				}
				b.client.XAck(ctx, key, b.config.Group, msg.ID)
			}
		}
	}
}

// Unsubscribe stops the subject's read loop.
func (b *RedisBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancel, ok := b.subscriptions[subject]
	if !ok {
		return fmt.Errorf("not subscribed to subject %s", subject)
	}
	cancel()
	delete(b.subscriptions, subject)
	return nil
}

// Close stops all read loops and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, cancel := range b.subscriptions {
		cancel()
		delete(b.subscriptions, subject)
	}
	return b.client.Close()
}
