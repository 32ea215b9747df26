package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/remoting"
)

// serverSession executes the packets of one connection once they passed the pipeline.
// Blocking requests are answered with NULL_RESPONSE; a returned error is turned into an
// EXCEPTION by the connection's failure listener.
type serverSession struct {
	conn       *remoting.Connection
	pipeline   *remoting.Pipeline
	postOffice *PostOffice
	logger     *slog.Logger

	started atomic.Bool
	closed  atomic.Bool

	mu        sync.Mutex
	consumers map[int64]*serverConsumer
}

func newServerSession(conn *remoting.Connection, postOffice *PostOffice, logger *slog.Logger) *serverSession {
	return &serverSession{
		conn:       conn,
		postOffice: postOffice,
		logger:     logger.With("connectionId", conn.ID()),
		consumers:  make(map[int64]*serverConsumer),
	}
}

// HandlePacket implements remoting.PacketHandler
func (s *serverSession) HandlePacket(ctx context.Context, conn *remoting.Connection, pkt *remoting.Packet) error {
	if s.closed.Load() && pkt.Type() != remoting.PacketSessionClose {
		return fmt.Errorf("%s: %w", pkt.Type(), contracts.ErrSessionClosed)
	}

	switch pkt.Type() {
	case remoting.PacketSend:
		sm, _ := pkt.SendMessage()
		s.postOffice.Route(ctx, sm.Message, sm.Address)
		if sm.RequiresResponse {
			return s.respond(ctx, pkt)
		}
		return nil

	case remoting.PacketCreateQueue:
		payload := pkt.Payload().(*remoting.CreateQueue)
		if _, err := s.postOffice.Bind(payload.Address, payload.Queue); err != nil {
			return err
		}
		return s.respond(ctx, pkt)

	case remoting.PacketCreateConsumer:
		payload := pkt.Payload().(*remoting.CreateConsumer)
		if err := s.createConsumer(ctx, pkt.ChannelID(), payload.ConsumerID, payload.Queue); err != nil {
			return err
		}
		return s.respond(ctx, pkt)

	case remoting.PacketCloseConsumer:
		payload := pkt.Payload().(*remoting.CloseConsumer)
		if err := s.closeConsumer(payload.ConsumerID); err != nil {
			return err
		}
		return s.respond(ctx, pkt)

	case remoting.PacketSessionStart:
		s.started.Store(true)
		for _, c := range s.consumerSnapshot() {
			c.queue.deliver(ctx)
		}
		return s.respond(ctx, pkt)

	case remoting.PacketSessionStop:
		s.started.Store(false)
		return s.respond(ctx, pkt)

	case remoting.PacketSessionFlush:
		// Everything written before the flush has been handled by now
		return s.respond(ctx, pkt)

	case remoting.PacketSessionClose:
		s.close()
		return s.respond(ctx, pkt)

	case remoting.PacketNullResponse, remoting.PacketException:
		s.logger.Warn("unexpected response from client", "packetType", pkt.Type().String())
		return nil

	default:
		return fmt.Errorf("server cannot handle %s: %w", pkt.Type(), contracts.ErrInvalidPacket)
	}
}

func (s *serverSession) respond(ctx context.Context, req *remoting.Packet) error {
	_, err := s.pipeline.Write(ctx, s.conn, remoting.NewNullResponse(req.ChannelID(), req.CorrelationID()))
	return err
}

// reportFailure answers a failed packet with an EXCEPTION carrying its correlation id
func (s *serverSession) reportFailure(pkt *remoting.Packet, err error) {
	if pkt.Type().IsResponse() {
		return
	}

	exception := remoting.NewExceptionPacket(pkt.ChannelID(), pkt.CorrelationID(), err)
	if _, werr := s.pipeline.Write(context.Background(), s.conn, exception); werr != nil {
		s.logger.Debug("failed to report failure to client",
			"packetType", pkt.Type().String(),
			"error", werr,
		)
	}
}

func (s *serverSession) createConsumer(ctx context.Context, channelID, id int64, queueName string) error {
	q, ok := s.postOffice.Queue(queueName)
	if !ok {
		return fmt.Errorf("queue %s: %w", queueName, contracts.ErrQueueNotFound)
	}

	s.mu.Lock()
	if _, exists := s.consumers[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("consumer %d: %w", id, contracts.ErrConsumerExists)
	}
	c := &serverConsumer{id: id, channelID: channelID, session: s, queue: q}
	s.consumers[id] = c
	s.mu.Unlock()

	if err := q.attach(ctx, c); err != nil {
		s.mu.Lock()
		delete(s.consumers, id)
		s.mu.Unlock()
		return err
	}

	s.logger.Debug("consumer created", "consumerId", id, "queue", queueName)
	return nil
}

func (s *serverSession) closeConsumer(id int64) error {
	s.mu.Lock()
	c, ok := s.consumers[id]
	delete(s.consumers, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("consumer %d: %w", id, contracts.ErrConsumerNotFound)
	}

	c.queue.detach(c)
	s.logger.Debug("consumer closed", "consumerId", id)
	return nil
}

func (s *serverSession) consumerSnapshot() []*serverConsumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	consumers := make([]*serverConsumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	return consumers
}

// close detaches every consumer. Safe to call more than once.
func (s *serverSession) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.started.Store(false)

	s.mu.Lock()
	consumers := s.consumers
	s.consumers = make(map[int64]*serverConsumer)
	s.mu.Unlock()

	for _, c := range consumers {
		c.queue.detach(c)
	}
	s.logger.Debug("session closed", "consumers", len(consumers))
}

// serverConsumer is the broker-side half of a client consumer
type serverConsumer struct {
	id        int64
	channelID int64
	session   *serverSession
	queue     *Queue
}

func (c *serverConsumer) active() bool {
	return c.session.started.Load() && !c.session.conn.IsClosed()
}

func (c *serverConsumer) deliver(ctx context.Context, msg *contracts.Message) error {
	pkt := remoting.NewDeliverPacket(c.channelID, c.id, msg, 1)
	if _, err := c.session.pipeline.Write(ctx, c.session.conn, pkt); err != nil {
		return err
	}
	return nil
}
