package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/remoting"
)

// Consumer buffers the messages the broker delivers for one queue
type Consumer struct {
	id      int64
	queue   string
	session *Session

	mu     sync.Mutex
	buffer []*contracts.Message
	err    error
	closed error
	ready  chan struct{}
	done   chan struct{}
}

func newConsumer(s *Session, id int64, queue string) *Consumer {
	return &Consumer{
		id:      id,
		queue:   queue,
		session: s,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Queue returns the queue the consumer reads from
func (c *Consumer) Queue() string {
	return c.queue
}

// Receive waits up to timeout for a message. It returns (nil, nil) when none arrived in
// time. A timeout of zero or less never waits, like ReceiveImmediate; use ReceiveContext
// to wait without limit.
func (c *Consumer) Receive(timeout time.Duration) (*contracts.Message, error) {
	if timeout <= 0 {
		return c.ReceiveImmediate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.ReceiveContext(ctx)
}

// ReceiveContext waits for a message until ctx is done, then returns (nil, nil). It fails
// with contracts.ErrConnectionClosed once the session's connection is gone.
func (c *Consumer) ReceiveContext(ctx context.Context) (*contracts.Message, error) {
	for {
		msg, ok, err := c.take()
		if ok || err != nil {
			return msg, err
		}

		select {
		case <-c.ready:
		case <-ctx.Done():
			return nil, nil
		case <-c.done:
			return nil, c.closedErr()
		case <-c.session.conn.Done():
			if c.isClosed() {
				return nil, c.closedErr()
			}
			return nil, fmt.Errorf("receive from %s: %w", c.queue, contracts.ErrConnectionClosed)
		}
	}
}

// ReceiveImmediate returns a message the broker already delivered, or (nil, nil). It
// flushes the session first, so every message routed before the call has arrived.
func (c *Consumer) ReceiveImmediate() (*contracts.Message, error) {
	if c.isClosed() {
		return nil, c.closedErr()
	}

	if err := c.session.flush(context.Background()); err != nil {
		return nil, err
	}

	msg, _, err := c.take()
	return msg, err
}

// Close detaches the consumer from its queue. Buffered messages are discarded.
func (c *Consumer) Close(ctx context.Context) error {
	if c.isClosed() {
		return nil
	}

	err := c.session.call(ctx, remoting.PacketCloseConsumer, &remoting.CloseConsumer{ConsumerID: c.id})
	c.session.removeConsumer(c.id)
	c.markClosed(contracts.ErrConsumerClosed)
	return err
}

// take pops the next message or pending error. ok is false when there is no message.
func (c *Consumer) take() (msg *contracts.Message, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, false, fmt.Errorf("receive from %s: %w", c.queue, c.closed)
	}
	if c.err != nil {
		err, c.err = c.err, nil
		return nil, false, err
	}
	if len(c.buffer) > 0 {
		msg = c.buffer[0]
		c.buffer[0] = nil
		c.buffer = c.buffer[1:]
		return msg, true, nil
	}
	return nil, false, nil
}

func (c *Consumer) enqueue(msg *contracts.Message) {
	c.mu.Lock()
	c.buffer = append(c.buffer, msg)
	c.mu.Unlock()
	c.signal()
}

// fail records err for the next receive call
func (c *Consumer) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.signal()
}

func (c *Consumer) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// markClosed closes the consumer; later receive calls fail with cause
func (c *Consumer) markClosed(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return
	}
	c.closed = cause
	c.buffer = nil
	close(c.done)
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed != nil
}

func (c *Consumer) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Errorf("receive from %s: %w", c.queue, c.closed)
}
