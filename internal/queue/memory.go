package queue

import (
	"context"
	"fmt"
	"sync"
)

// memoryBufferSize bounds each subject's channel. A full buffer rejects
// the publish instead of blocking the capture path.
const memoryBufferSize = 4096

// MemoryBus is an in-process Bus over buffered channels. It is the
// default backend: a single ferry binary captures and dispatches in the
// same process, so events never need to leave it.
type MemoryBus struct {
	mu            sync.RWMutex
	channels      map[string]chan []byte
	subscriptions map[string]*memorySubscription
}

// memorySubscription tracks one consumer goroutine. done closes when the
// goroutine has exited, which is what makes Unsubscribe synchronous.
type memorySubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newMemoryBus() *MemoryBus {
	return &MemoryBus{
		channels:      make(map[string]chan []byte),
		subscriptions: make(map[string]*memorySubscription),
	}
}

func (b *MemoryBus) channel(subject string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[subject]; ok {
		return ch
	}
	ch := make(chan []byte, memoryBufferSize)
	b.channels[subject] = ch
	return ch
}

// Publish enqueues a copy of data for the subject's subscriber.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	ch := b.channel(subject)

	// Callers reuse their buffers; the bus must own what it queues.
	queued := make([]byte, len(data))
	copy(queued, data)

	select {
	case ch <- queued:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("bus buffer full for subject %s", subject)
	}
}

// PublishBatch enqueues each message, counting the ones that fit.
func (b *MemoryBus) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	accepted := 0
	for _, msg := range messages {
		if err := b.Publish(ctx, msg.Subject, msg.Data); err != nil {
			continue
		}
		accepted++
	}
	return accepted, nil
}

// Subscribe consumes the subject's channel in a background goroutine.
// One subscriber per subject; delivery order is publish order.
func (b *MemoryBus) Subscribe(subject string, handler MessageHandler) error {
	b.mu.Lock()
	if _, ok := b.subscriptions[subject]; ok {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed to subject %s", subject)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{cancel: cancel, done: make(chan struct{})}
	b.subscriptions[subject] = sub
	b.mu.Unlock()

	ch := b.channel(subject)

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				// No redelivery in memory; a handler error drops the
				// message, matching fire-and-forget capture semantics.
				_ = handler(data)
			}
		}
	}()

	return nil
}

// Unsubscribe stops the subject's consumer goroutine and waits for it to
// exit, so messages published afterwards are guaranteed to stay buffered.
func (b *MemoryBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	sub, ok := b.subscriptions[subject]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("not subscribed to subject %s", subject)
	}
	delete(b.subscriptions, subject)
	b.mu.Unlock()

	sub.cancel()
	<-sub.done
	return nil
}

// Close cancels all subscriptions and drops all buffered messages.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subscriptions))
	for subject, sub := range b.subscriptions {
		subs = append(subs, sub)
		delete(b.subscriptions, subject)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, ch := range b.channels {
		close(ch)
		delete(b.channels, subject)
	}
	return nil
}

// Pending returns the number of undelivered messages for a subject.
func (b *MemoryBus) Pending(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, ok := b.channels[subject]; ok {
		return len(ch)
	}
	return 0
}
