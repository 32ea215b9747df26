package remoting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-remoting/internal/observability"
)

// Pipeline feeds the packets an endpoint cares about through its interceptor chain
// before the endpoint acts on them.
//
// On the inbound path an accepted packet is passed to the next handler, a vetoed packet
// is dropped without any notice to the peer, and an interceptor failure is returned so the
// connection reports it as a failure of the packet. Packet types outside the configured
// sets pass through without interception.
//
// A SEND vetoed on the server never gets an acknowledgment. A sender that blocks for
// the acknowledgment waits until its context ends, so senders that expect vetoes should
// not block on send.
type Pipeline struct {
	role     Role
	chain    *InterceptorChain
	next     PacketHandler
	inbound  map[PacketType]struct{}
	outbound map[PacketType]struct{}
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// PipelineOption configures a pipeline
type PipelineOption func(*Pipeline)

// WithInboundTypes replaces the packet types intercepted on the inbound path
func WithInboundTypes(types ...PacketType) PipelineOption {
	return func(p *Pipeline) {
		p.inbound = typeSet(types)
	}
}

// WithOutboundTypes replaces the packet types intercepted on the outbound path
func WithOutboundTypes(types ...PacketType) PipelineOption {
	return func(p *Pipeline) {
		p.outbound = typeSet(types)
	}
}

// WithPipelineLogger sets the logger
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithPipelineMetrics sets the metrics sink
func WithPipelineMetrics(metrics *observability.Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// DefaultInboundTypes returns the packet types an endpoint intercepts on arrival
func DefaultInboundTypes(role Role) []PacketType {
	if role == RoleServer {
		return []PacketType{PacketSend}
	}
	return []PacketType{PacketDeliver}
}

// DefaultOutboundTypes returns the packet types an endpoint intercepts before writing
func DefaultOutboundTypes(role Role) []PacketType {
	if role == RoleClient {
		return []PacketType{PacketSend}
	}
	return nil
}

// NewPipeline creates a pipeline for an endpoint of the given role
func NewPipeline(role Role, chain *InterceptorChain, next PacketHandler, options ...PipelineOption) *Pipeline {
	p := &Pipeline{
		role:     role,
		chain:    chain,
		next:     next,
		inbound:  typeSet(DefaultInboundTypes(role)),
		outbound: typeSet(DefaultOutboundTypes(role)),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.chain == nil {
		p.chain = NewInterceptorChain(p.logger)
	}

	return p
}

// Chain returns the interceptor chain the pipeline consults
func (p *Pipeline) Chain() *InterceptorChain {
	return p.chain
}

// HandlePacket implements PacketHandler for the inbound path
func (p *Pipeline) HandlePacket(ctx context.Context, conn *Connection, pkt *Packet) error {
	if err := pkt.Validate(); err != nil {
		p.metrics.ObservePacket(p.role.String(), observability.DirectionInbound, pkt.Type().String(), observability.VerdictFailed)
		return err
	}

	if _, ok := p.inbound[pkt.Type()]; !ok {
		p.metrics.ObservePacket(p.role.String(), observability.DirectionInbound, pkt.Type().String(), observability.VerdictPassthrough)
		return p.next.HandlePacket(ctx, conn, pkt)
	}

	accepted, err := p.intercept(ctx, pkt, conn, observability.DirectionInbound)
	if err != nil {
		return err
	}
	if !accepted {
		return nil
	}

	return p.next.HandlePacket(ctx, conn, pkt)
}

// Write runs an outbound packet through the chain and writes it to conn.
// It reports false without error when an interceptor vetoed the packet.
func (p *Pipeline) Write(ctx context.Context, conn *Connection, pkt *Packet) (bool, error) {
	if err := pkt.Validate(); err != nil {
		return false, err
	}

	if _, ok := p.outbound[pkt.Type()]; ok {
		accepted, err := p.intercept(ctx, pkt, conn, observability.DirectionOutbound)
		if err != nil || !accepted {
			return false, err
		}
	}

	if err := conn.Write(pkt); err != nil {
		return false, fmt.Errorf("failed to write packet: %w", err)
	}
	return true, nil
}

func (p *Pipeline) intercept(ctx context.Context, pkt *Packet, conn *Connection, direction string) (bool, error) {
	endpoint := p.role.String()
	packetType := pkt.Type().String()

	start := time.Now()
	accepted, err := p.chain.Invoke(ctx, pkt, conn)
	p.metrics.ObserveChain(endpoint, time.Since(start).Seconds())

	switch {
	case err != nil:
		p.metrics.ObservePacket(endpoint, direction, packetType, observability.VerdictFailed)
		p.logger.Error("interceptor chain failed",
			"endpoint", endpoint,
			"direction", direction,
			"packetType", packetType,
			"connectionId", conn.ID(),
			"error", err,
		)
		return false, err
	case !accepted:
		p.metrics.ObservePacket(endpoint, direction, packetType, observability.VerdictVetoed)
		p.logger.Debug("packet dropped",
			"endpoint", endpoint,
			"direction", direction,
			"packetType", packetType,
			"connectionId", conn.ID(),
		)
		return false, nil
	default:
		p.metrics.ObservePacket(endpoint, direction, packetType, observability.VerdictAccepted)
		return true, nil
	}
}

func typeSet(types []PacketType) map[PacketType]struct{} {
	set := make(map[PacketType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}
