package broker

import (
	"context"
	"errors"
	"sync"

	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("bus is closed")

// MemoryBus is an in-process topic exchange. Every declared queue receives a copy
// of each message whose routing key matches one of its bindings.
type MemoryBus struct {
	mu     sync.RWMutex
	queues map[string]*memoryQueue
	policy RetryPolicy
	closed bool
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(policy RetryPolicy) *MemoryBus {
	return &MemoryBus{
		queues: make(map[string]*memoryQueue),
		policy: policy,
	}
}

// Publish fans the message out to every bound queue
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, q := range b.queues {
		if matchesAny(q.bindings(), msg.RoutingKey) {
			q.push(copyMessage(msg))
		}
	}

	util.EventsPublishedTotal.WithLabelValues(msg.RoutingKey).Inc()
	return nil
}

// Declare creates the queue if needed and adds the bindings
func (b *MemoryBus) Declare(ctx context.Context, queue string, routingKeys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	q, ok := b.queues[queue]
	if !ok {
		q = newMemoryQueue()
		b.queues[queue] = q
	}
	q.bind(routingKeys)
	return nil
}

// Subscribe consumes the queue until ctx is done or the bus is closed
func (b *MemoryBus) Subscribe(ctx context.Context, queue string, routingKeys []string, handler MessageHandler) error {
	if err := b.Declare(ctx, queue, routingKeys); err != nil {
		return err
	}

	b.mu.RLock()
	q := b.queues[queue]
	b.mu.RUnlock()

	util.GetLogger().Info("Starting memory consumer", zap.String("queue", queue), zap.Strings("routing_keys", routingKeys))

	for {
		msg, ok := q.pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		outcome, _ := b.policy.Deliver(util.ExtractTrace(ctx, msg.Headers), queue, handler, msg)
		if outcome == OutcomeCanceled {
			return ctx.Err()
		}
	}
}

// Pending returns the number of undelivered messages in a queue
func (b *MemoryBus) Pending(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return q.size()
}

// Close stops every consumer
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.close()
	}
	return nil
}

func copyMessage(msg Message) Message {
	out := msg
	out.Body = append([]byte(nil), msg.Body...)
	out.Headers = make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	return out
}

type memoryQueue struct {
	mu       sync.Mutex
	patterns []string
	items    []Message
	notify   chan struct{}
	done     chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *memoryQueue) bind(keys []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, k := range keys {
		found := false
		for _, p := range q.patterns {
			if p == k {
				found = true
				break
			}
		}
		if !found {
			q.patterns = append(q.patterns, k)
		}
	}
}

func (q *memoryQueue) bindings() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.patterns...)
}

func (q *memoryQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) pop(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.done:
			return Message{}, false
		case <-q.notify:
		}
	}
}

func (q *memoryQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryQueue) close() {
	close(q.done)
}
