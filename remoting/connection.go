package remoting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/google/uuid"
)

// Role tells which end of a link a connection belongs to
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// RemotingConnection is the read-only view of a connection handed to interceptors
type RemotingConnection interface {
	ID() string
	Role() Role
	CreatedAt() time.Time
}

// PacketHandler processes packets arriving on a connection
type PacketHandler interface {
	HandlePacket(ctx context.Context, conn *Connection, pkt *Packet) error
}

// PacketHandlerFunc is a function adapter for PacketHandler
type PacketHandlerFunc func(ctx context.Context, conn *Connection, pkt *Packet) error

// HandlePacket implements PacketHandler
func (f PacketHandlerFunc) HandlePacket(ctx context.Context, conn *Connection, pkt *Packet) error {
	return f(ctx, conn, pkt)
}

// FailureListener is told about packets whose handling failed
type FailureListener func(pkt *Packet, err error)

// Connector opens the client end of a new connection to a server
type Connector interface {
	Connect(ctx context.Context) (*Connection, error)
}

// Connection is one end of an in-VM link.
//
// Every connection owns one processing goroutine that drains its inbound queue, so the
// packets of a connection are handled strictly in arrival order.
type Connection struct {
	id        string
	role      Role
	createdAt time.Time
	logger    *slog.Logger

	peer    *Connection
	inbound *packetQueue

	listenersMu sync.RWMutex
	listeners   []FailureListener

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// ConnectionOption configures a connection pair
type ConnectionOption func(*connectionConfig)

type connectionConfig struct {
	logger *slog.Logger
}

// WithConnectionLogger sets the logger used by both ends
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cfg *connectionConfig) {
		cfg.logger = logger
	}
}

// NewInVMPair creates two connected ends of an in-VM link. Neither end processes
// packets until Start is called on it.
func NewInVMPair(options ...ConnectionOption) (client *Connection, server *Connection) {
	cfg := &connectionConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	client = newConnection(RoleClient, cfg.logger)
	server = newConnection(RoleServer, cfg.logger)
	client.peer = server
	server.peer = client
	return client, server
}

func newConnection(role Role, logger *slog.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		id:        id,
		role:      role,
		createdAt: time.Now(),
		logger:    logger.With("connectionId", id, "role", role.String()),
		inbound:   newPacketQueue(),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// Role returns which end of the link this is
func (c *Connection) Role() Role {
	return c.role
}

// CreatedAt returns when the connection was created
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Peer returns the other end of the link
func (c *Connection) Peer() *Connection {
	return c.peer
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Pending returns the number of inbound packets waiting to be handled
func (c *Connection) Pending() int {
	return c.inbound.len()
}

// AddFailureListener registers a listener for handler failures
func (c *Connection) AddFailureListener(listener FailureListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Start begins processing inbound packets with handler. Calling Start twice is a no-op.
func (c *Connection) Start(handler PacketHandler) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	go c.processLoop(handler)
}

// Write sends pkt to the peer. The peer receives a deep copy, so the two ends never
// share a message.
func (c *Connection) Write(pkt *Packet) error {
	if c.closed.Load() || c.peer.closed.Load() {
		return fmt.Errorf("write %s: %w", pkt.Type(), contracts.ErrConnectionClosed)
	}

	c.peer.inbound.push(pkt.Clone())
	return nil
}

// Close closes both ends of the link. Packets still queued on either end are dropped.
func (c *Connection) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.logger.Debug("connection closed")
	})
}

func (c *Connection) processLoop(handler PacketHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		pkt, ok := c.inbound.pop(c.done)
		if !ok {
			return
		}

		if err := handler.HandlePacket(ctx, c, pkt); err != nil {
			c.fail(pkt, err)
		}
	}
}

func (c *Connection) fail(pkt *Packet, err error) {
	c.logger.Error("packet handling failed",
		"packetType", pkt.Type().String(),
		"correlationId", pkt.CorrelationID(),
		"error", err,
	)

	c.listenersMu.RLock()
	listeners := append([]FailureListener(nil), c.listeners...)
	c.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(pkt, err)
	}
}

// packetQueue is an unbounded FIFO so a writer never blocks on a slow reader
type packetQueue struct {
	mu      sync.Mutex
	packets []*Packet
	ready   chan struct{}
}

func newPacketQueue() *packetQueue {
	return &packetQueue{ready: make(chan struct{}, 1)}
}

func (q *packetQueue) push(pkt *Packet) {
	q.mu.Lock()
	q.packets = append(q.packets, pkt)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a packet is available or done is closed
func (q *packetQueue) pop(done <-chan struct{}) (*Packet, bool) {
	for {
		select {
		case <-done:
			return nil, false
		default:
		}

		q.mu.Lock()
		if len(q.packets) > 0 {
			pkt := q.packets[0]
			q.packets[0] = nil
			q.packets = q.packets[1:]
			q.mu.Unlock()
			return pkt, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-done:
			return nil, false
		}
	}
}

func (q *packetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}
