package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// natsStreamMaxAge bounds how long undelivered events sit in a
	// stream. Replication events older than this are diagnostic noise,
	// not data anyone should replay.
	natsStreamMaxAge = 24 * time.Hour

	natsAckWait       = 30 * time.Second
	natsMaxAckPending = 256
	natsMaxDeliver    = 5
)

// NATSBus is a Bus over NATS JetStream. Streams are created on first
// subscribe with file storage and bounded retention; consumers are
// durable so a restarted dispatcher resumes where it left off.
type NATSBus struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	subscriptions map[string]*nats.Subscription
	streams       map[string]struct{}
	mu            sync.RWMutex
}

func newNATSBus(url, username, password string) (*NATSBus, error) {
	var opts []nats.Option
	if username != "" {
		opts = append(opts, nats.UserInfo(username, password))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	bus, err := newNATSBusWithConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return bus, nil
}

// newNATSBusWithConn wraps an existing connection, used by tests.
func newNATSBusWithConn(conn *nats.Conn) (*NATSBus, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &NATSBus{
		conn:          conn,
		js:            js,
		subscriptions: make(map[string]*nats.Subscription),
		streams:       make(map[string]struct{}),
	}, nil
}

// Publish sends one message and waits for the stream acknowledgment, so
// the caller gets a real answer for its publish metrics.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.ensureStream(subject); err != nil {
		return err
	}
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to subject %s: %w", subject, err)
	}
	return nil
}

// PublishBatch queues all messages asynchronously and waits once for the
// whole batch, one acknowledgment round-trip instead of one per message.
func (b *NATSBus) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	for _, msg := range messages {
		if err := b.ensureStream(msg.Subject); err != nil {
			return 0, err
		}
	}

	futures := make([]nats.PubAckFuture, 0, len(messages))
	for _, msg := range messages {
		future, err := b.js.PublishAsync(msg.Subject, msg.Data)
		if err != nil {
			continue
		}
		futures = append(futures, future)
	}

	select {
	case <-b.js.PublishAsyncComplete():
	case <-ctx.Done():
		return 0, fmt.Errorf("batch publish interrupted: %w", ctx.Err())
	}

	accepted := 0
	for _, future := range futures {
		select {
		case <-future.Ok():
			accepted++
		case <-future.Err():
		default:
			// PublishAsyncComplete fired, so an unsettled future means
			// the ack raced our read; count it.
			accepted++
		}
	}
	return accepted, nil
}

// ensureStream creates the subject's stream if it does not exist yet.
// Known streams are remembered so the steady-state publish path skips the
// lookup round-trip.
func (b *NATSBus) ensureStream(subject string) error {
	b.mu.RLock()
	_, known := b.streams[subject]
	b.mu.RUnlock()
	if known {
		return nil
	}

	name := "ferry-" + sanitizeName(subject)
	if _, err := b.js.StreamInfo(name); err != nil {
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: []string{subject},
			Storage:  nats.FileStorage,
			MaxAge:   natsStreamMaxAge,
		})
		if err != nil {
			return fmt.Errorf("create stream for subject %s: %w", subject, err)
		}
	}

	b.mu.Lock()
	b.streams[subject] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Subscribe attaches a durable consumer with manual acks: a handler error
// NAKs the message for redelivery, bounded by the max-deliver cap.
func (b *NATSBus) Subscribe(subject string, handler MessageHandler) error {
	b.mu.RLock()
	_, exists := b.subscriptions[subject]
	b.mu.RUnlock()
	if exists {
		return fmt.Errorf("already subscribed to subject %s", subject)
	}
	if err := b.ensureStream(subject); err != nil {
		return err
	}

	durable := "ferry-sub-" + sanitizeName(subject)
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.MaxAckPending(natsMaxAckPending),
		nats.AckWait(natsAckWait),
		nats.MaxDeliver(natsMaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("subscribe to subject %s: %w", subject, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[subject]; ok {
		_ = sub.Unsubscribe()
		return fmt.Errorf("already subscribed to subject %s", subject)
	}
	b.subscriptions[subject] = sub
	return nil
}

// Unsubscribe detaches the subject's consumer.
func (b *NATSBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscriptions[subject]
	if !ok {
		return fmt.Errorf("not subscribed to subject %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe from subject %s: %w", subject, err)
	}
	delete(b.subscriptions, subject)
	return nil
}

// Close detaches all consumers and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			continue
		}
		delete(b.subscriptions, subject)
	}
	b.conn.Close()
	return nil
}

// sanitizeName maps a subject to the character set stream and consumer
// names allow (A-Z, a-z, 0-9, dash, underscore).
func sanitizeName(subject string) string {
	out := make([]byte, 0, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
