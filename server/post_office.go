package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/internal/observability"
)

// PostOffice binds queues to addresses and routes messages to them
type PostOffice struct {
	mu       sync.RWMutex
	queues   map[string]*Queue
	bindings map[string][]*Queue
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewPostOffice creates an empty post office
func NewPostOffice(logger *slog.Logger, metrics *observability.Metrics) *PostOffice {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostOffice{
		queues:   make(map[string]*Queue),
		bindings: make(map[string][]*Queue),
		logger:   logger,
		metrics:  metrics,
	}
}

// Bind creates queue name bound to address. Binding an existing queue to the same
// address returns the existing queue; binding it to another address fails with
// contracts.ErrQueueExists.
func (po *PostOffice) Bind(address, name string) (*Queue, error) {
	if address == "" || name == "" {
		return nil, fmt.Errorf("address and queue name are required: %w", contracts.ErrInvalidPacket)
	}

	po.mu.Lock()
	defer po.mu.Unlock()

	if q, exists := po.queues[name]; exists {
		if q.address != address {
			return nil, fmt.Errorf("queue %s is bound to %s: %w", name, q.address, contracts.ErrQueueExists)
		}
		return q, nil
	}

	q := newQueue(name, address, po.logger, po.metrics)
	po.queues[name] = q
	po.bindings[address] = append(po.bindings[address], q)

	po.logger.Info("queue bound", "queue", name, "address", address)
	return q, nil
}

// Unbind removes queue name together with any messages it still holds
func (po *PostOffice) Unbind(name string) error {
	po.mu.Lock()
	defer po.mu.Unlock()

	q, exists := po.queues[name]
	if !exists {
		return fmt.Errorf("queue %s: %w", name, contracts.ErrQueueNotFound)
	}

	delete(po.queues, name)
	bound := po.bindings[q.address]
	for i, b := range bound {
		if b == q {
			po.bindings[q.address] = append(bound[:i:i], bound[i+1:]...)
			break
		}
	}
	if len(po.bindings[q.address]) == 0 {
		delete(po.bindings, q.address)
	}

	po.logger.Info("queue unbound", "queue", name, "address", q.address)
	return nil
}

// Queue returns queue name
func (po *PostOffice) Queue(name string) (*Queue, bool) {
	po.mu.RLock()
	defer po.mu.RUnlock()
	q, ok := po.queues[name]
	return q, ok
}

// Bindings returns the names of the queues bound to address
func (po *PostOffice) Bindings(address string) []string {
	po.mu.RLock()
	defer po.mu.RUnlock()

	names := make([]string, 0, len(po.bindings[address]))
	for _, q := range po.bindings[address] {
		names = append(names, q.name)
	}
	sort.Strings(names)
	return names
}

// Route appends msg to every queue bound to address and returns how many queues got
// it. The first queue receives msg itself and every further queue a copy. A message
// sent to an address without bindings is dropped.
func (po *PostOffice) Route(ctx context.Context, msg *contracts.Message, address string) int {
	po.mu.RLock()
	bound := append([]*Queue(nil), po.bindings[address]...)
	po.mu.RUnlock()

	if len(bound) == 0 {
		po.metrics.ObserveRoute(address, false)
		po.logger.Debug("no binding for address, message dropped",
			"address", address,
			"messageId", msg.ID(),
		)
		return 0
	}

	for i, q := range bound {
		m := msg
		if i > 0 {
			m = msg.Copy()
		}
		q.add(ctx, m)
	}

	po.metrics.ObserveRoute(address, true)
	return len(bound)
}
