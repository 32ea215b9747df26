package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/remoting"
)

// sessionChannel is the channel id of session packets. Every session has its own
// connection, so one channel is enough.
const sessionChannel int64 = 1

// FailureListener is told about failures that no caller is waiting for, such as an
// EXCEPTION answering a non-blocking send.
type FailureListener func(err error)

// Session is a client session bound to one connection
type Session struct {
	factory     *SessionFactory
	conn        *remoting.Connection
	pipeline    *remoting.Pipeline
	logger      *slog.Logger
	blockOnSend bool
	callTimeout time.Duration

	correlation atomic.Int64
	consumerSeq atomic.Int64
	closed      atomic.Bool

	pendingMu sync.Mutex
	pending   map[int64]chan *remoting.Packet

	consumersMu sync.RWMutex
	consumers   map[int64]*Consumer

	listenersMu sync.RWMutex
	listeners   []FailureListener
}

func newSession(f *SessionFactory, conn *remoting.Connection) *Session {
	s := &Session{
		factory:     f,
		conn:        conn,
		logger:      f.logger.With("connectionId", conn.ID()),
		blockOnSend: f.blockOnSend.Load(),
		callTimeout: f.callTimeout,
		pending:     make(map[int64]chan *remoting.Packet),
		consumers:   make(map[int64]*Consumer),
	}
	s.pipeline = remoting.NewPipeline(remoting.RoleClient, f.chain, remoting.PacketHandlerFunc(s.handlePacket),
		remoting.WithPipelineLogger(f.logger),
		remoting.WithPipelineMetrics(f.metrics),
	)

	conn.AddFailureListener(s.handleFailure)
	conn.Start(s.pipeline)
	go s.watchConnection()
	return s
}

// watchConnection closes the consumers once the connection ends, whoever closed it
func (s *Session) watchConnection() {
	<-s.conn.Done()
	s.closeConsumers(contracts.ErrConnectionClosed)
}

// ID returns the id of the session's connection
func (s *Session) ID() string {
	return s.conn.ID()
}

// IsBlockOnSend reports whether producers of this session wait for acknowledgments
func (s *Session) IsBlockOnSend() bool {
	return s.blockOnSend
}

// AddFailureListener registers a listener for failures no caller is waiting for
func (s *Session) AddFailureListener(listener FailureListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// CreateQueue binds queue to address on the broker. Creating an existing queue with the
// same address succeeds.
func (s *Session) CreateQueue(ctx context.Context, address, queue string) error {
	return s.call(ctx, remoting.PacketCreateQueue, &remoting.CreateQueue{Address: address, Queue: queue})
}

// CreateProducer creates a producer sending to address
func (s *Session) CreateProducer(address string) *Producer {
	return &Producer{session: s, address: address}
}

// CreateConsumer attaches a consumer to queue
func (s *Session) CreateConsumer(ctx context.Context, queue string) (*Consumer, error) {
	if s.closed.Load() {
		return nil, contracts.ErrSessionClosed
	}

	c := newConsumer(s, s.consumerSeq.Add(1), queue)

	// Registered first so deliveries racing the response find the consumer
	s.consumersMu.Lock()
	s.consumers[c.id] = c
	s.consumersMu.Unlock()

	if err := s.call(ctx, remoting.PacketCreateConsumer, &remoting.CreateConsumer{ConsumerID: c.id, Queue: queue}); err != nil {
		s.removeConsumer(c.id)
		return nil, fmt.Errorf("failed to create consumer on %s: %w", queue, err)
	}

	return c, nil
}

// CreateMessage creates an empty message
func (s *Session) CreateMessage(durable bool) *contracts.Message {
	return contracts.NewMessage(durable)
}

// Start starts delivery to the consumers of this session
func (s *Session) Start(ctx context.Context) error {
	return s.call(ctx, remoting.PacketSessionStart, nil)
}

// Stop pauses delivery. Messages already buffered stay receivable.
func (s *Session) Stop(ctx context.Context) error {
	return s.call(ctx, remoting.PacketSessionStop, nil)
}

// Close closes the consumers and the connection of the session
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer s.factory.forget(s)

	err := s.roundTrip(ctx, remoting.NewPacket(remoting.PacketSessionClose, sessionChannel, s.correlation.Add(1), nil), true)
	if errors.Is(err, contracts.ErrConnectionClosed) {
		err = nil
	}

	s.closeConsumers(contracts.ErrConsumerClosed)
	_ = s.conn.Close()
	s.logger.Debug("session closed")
	return err
}

// flush returns once the broker handled every packet written before it
func (s *Session) flush(ctx context.Context) error {
	return s.call(ctx, remoting.PacketSessionFlush, nil)
}

// call sends a control request and waits for its response, bounded by the call timeout
func (s *Session) call(ctx context.Context, typ remoting.PacketType, payload remoting.Payload) error {
	if s.closed.Load() {
		return fmt.Errorf("%s: %w", typ, contracts.ErrSessionClosed)
	}
	return s.roundTrip(ctx, remoting.NewPacket(typ, sessionChannel, s.correlation.Add(1), payload), true)
}

// roundTrip writes pkt through the outbound pipeline and waits for the response with the
// same correlation id. A packet vetoed on the way out returns nil at once.
func (s *Session) roundTrip(ctx context.Context, pkt *remoting.Packet, bounded bool) error {
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.callTimeout, contracts.ErrCallTimeout)
		defer cancel()
	}

	response := make(chan *remoting.Packet, 1)
	s.pendingMu.Lock()
	s.pending[pkt.CorrelationID()] = response
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, pkt.CorrelationID())
		s.pendingMu.Unlock()
	}()

	written, err := s.pipeline.Write(ctx, s.conn, pkt)
	if err != nil {
		return err
	}
	if !written {
		return nil
	}

	select {
	case resp := <-response:
		if exception, ok := resp.Payload().(*remoting.Exception); ok {
			return exception.Err()
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s request: %w", pkt.Type(), context.Cause(ctx))
	case <-s.conn.Done():
		return fmt.Errorf("%s request: %w", pkt.Type(), contracts.ErrConnectionClosed)
	}
}

// handlePacket handles the packets accepted by the client pipeline
func (s *Session) handlePacket(ctx context.Context, conn *remoting.Connection, pkt *remoting.Packet) error {
	switch pkt.Type() {
	case remoting.PacketDeliver:
		rm, _ := pkt.ReceiveMessage()
		c, ok := s.consumer(rm.ConsumerID)
		if !ok {
			s.logger.Debug("delivery for unknown consumer dropped", "consumerId", rm.ConsumerID)
			return nil
		}
		c.enqueue(rm.Message)
		return nil

	case remoting.PacketNullResponse, remoting.PacketException:
		s.pendingMu.Lock()
		waiter, ok := s.pending[pkt.CorrelationID()]
		delete(s.pending, pkt.CorrelationID())
		s.pendingMu.Unlock()

		if ok {
			waiter <- pkt
			return nil
		}

		if exception, isException := pkt.Payload().(*remoting.Exception); isException {
			err := exception.Err()
			s.logger.Warn("broker reported failure", "correlationId", pkt.CorrelationID(), "error", err)
			s.notify(err)
		}
		return nil

	default:
		return fmt.Errorf("client cannot handle %s: %w", pkt.Type(), contracts.ErrInvalidPacket)
	}
}

// handleFailure routes a failed inbound packet to the consumer it was meant for
func (s *Session) handleFailure(pkt *remoting.Packet, err error) {
	if rm, ok := pkt.ReceiveMessage(); ok && rm != nil {
		if c, found := s.consumer(rm.ConsumerID); found {
			c.fail(err)
		}
	}
	s.notify(err)
}

func (s *Session) notify(err error) {
	s.listenersMu.RLock()
	listeners := append([]FailureListener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(err)
	}
}

func (s *Session) consumer(id int64) (*Consumer, bool) {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	c, ok := s.consumers[id]
	return c, ok
}

func (s *Session) closeConsumers(cause error) {
	s.consumersMu.Lock()
	consumers := s.consumers
	s.consumers = make(map[int64]*Consumer)
	s.consumersMu.Unlock()

	for _, c := range consumers {
		c.markClosed(cause)
	}
}

func (s *Session) removeConsumer(id int64) {
	s.consumersMu.Lock()
	delete(s.consumers, id)
	s.consumersMu.Unlock()
}
