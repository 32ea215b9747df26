package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/internal/observability"
)

// queueConsumer receives the messages of a queue
type queueConsumer interface {
	// active reports whether the consumer may be handed messages now
	active() bool
	deliver(ctx context.Context, msg *contracts.Message) error
}

// Queue holds messages routed to it until its consumer takes them.
// A queue has at most one consumer.
type Queue struct {
	name    string
	address string
	logger  *slog.Logger
	metrics *observability.Metrics

	deliverMu sync.Mutex

	mu       sync.Mutex
	messages []*contracts.Message
	consumer queueConsumer
}

func newQueue(name, address string, logger *slog.Logger, metrics *observability.Metrics) *Queue {
	return &Queue{
		name:    name,
		address: address,
		logger:  logger.With("queue", name),
		metrics: metrics,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Address returns the address the queue is bound to
func (q *Queue) Address() string {
	return q.address
}

// MessageCount returns the number of messages waiting for delivery
func (q *Queue) MessageCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// HasConsumer reports whether a consumer is attached
func (q *Queue) HasConsumer() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumer != nil
}

func (q *Queue) add(ctx context.Context, msg *contracts.Message) {
	q.mu.Lock()
	q.messages = append(q.messages, msg)
	q.mu.Unlock()

	q.deliver(ctx)
}

func (q *Queue) attach(ctx context.Context, c queueConsumer) error {
	q.mu.Lock()
	if q.consumer != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.name, contracts.ErrConsumerExists)
	}
	q.consumer = c
	q.mu.Unlock()

	q.deliver(ctx)
	return nil
}

func (q *Queue) detach(c queueConsumer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumer == c {
		q.consumer = nil
	}
}

// deliver pushes waiting messages to an active consumer. Deliveries are serialized by
// deliverMu; mu is released while the consumer writes, so interceptors on the delivery
// path may inspect the queue.
func (q *Queue) deliver(ctx context.Context) {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	for {
		q.mu.Lock()
		c := q.consumer
		if c == nil || len(q.messages) == 0 || !c.active() {
			q.mu.Unlock()
			return
		}
		msg := q.messages[0]
		q.messages[0] = nil
		q.messages = q.messages[1:]
		q.mu.Unlock()

		if err := c.deliver(ctx, msg); err != nil {
			q.mu.Lock()
			q.messages = append([]*contracts.Message{msg}, q.messages...)
			q.mu.Unlock()

			q.logger.Warn("delivery failed, message kept",
				"messageId", msg.ID(),
				"error", err,
			)
			return
		}
		q.metrics.ObserveDelivery(q.name)
	}
}
