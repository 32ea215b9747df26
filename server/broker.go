package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/glimte/mmate-remoting/internal/observability"
	"github.com/glimte/mmate-remoting/remoting"
)

var (
	// ErrBrokerNotStarted is returned when connecting to a broker that is not running
	ErrBrokerNotStarted = errors.New("broker: not started")
)

// Broker is the server endpoint context. It owns the remoting service, and with it the
// server-wide interceptor chain, plus the post office that routes accepted messages.
type Broker struct {
	remoting   *RemotingService
	postOffice *PostOffice
	logger     *slog.Logger
	running    atomic.Bool
}

// brokerConfig holds broker configuration
type brokerConfig struct {
	logger        *slog.Logger
	metrics       *observability.Metrics
	interceptors  []remoting.Interceptor
	inboundTypes  []remoting.PacketType
	outboundTypes []remoting.PacketType
}

// BrokerOption configures the broker
type BrokerOption func(*brokerConfig)

// WithLogger sets the logger for all broker components
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *observability.Metrics) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.metrics = metrics
	}
}

// WithInterceptors registers server interceptors at construction
func WithInterceptors(interceptors ...remoting.Interceptor) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithInboundInterception replaces the packet types the server intercepts on arrival
func WithInboundInterception(types ...remoting.PacketType) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.inboundTypes = types
	}
}

// WithOutboundInterception sets the packet types the server intercepts before writing
func WithOutboundInterception(types ...remoting.PacketType) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.outboundTypes = types
	}
}

// NewBroker creates a new broker. It accepts connections once started.
func NewBroker(options ...BrokerOption) *Broker {
	cfg := &brokerConfig{
		logger:        slog.Default(),
		inboundTypes:  remoting.DefaultInboundTypes(remoting.RoleServer),
		outboundTypes: remoting.DefaultOutboundTypes(remoting.RoleServer),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	postOffice := NewPostOffice(cfg.logger, cfg.metrics)
	return &Broker{
		remoting:   newRemotingService(cfg, postOffice),
		postOffice: postOffice,
		logger:     cfg.logger,
	}
}

// Start makes the broker accept connections
func (b *Broker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.running.CompareAndSwap(false, true) {
		b.logger.Info("broker started")
	}
	return nil
}

// Stop closes every connection and stops accepting new ones
func (b *Broker) Stop() error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}

	b.remoting.closeAll()
	b.logger.Info("broker stopped")
	return nil
}

// IsRunning reports whether the broker accepts connections
func (b *Broker) IsRunning() bool {
	return b.running.Load()
}

// Connect implements remoting.Connector with an in-VM link to this broker
func (b *Broker) Connect(ctx context.Context) (*remoting.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.running.Load() {
		return nil, fmt.Errorf("failed to connect: %w", ErrBrokerNotStarted)
	}
	return b.remoting.accept(), nil
}

// RemotingService returns the service owning the server interceptor chain
func (b *Broker) RemotingService() *RemotingService {
	return b.remoting
}

// PostOffice returns the router of the broker
func (b *Broker) PostOffice() *PostOffice {
	return b.postOffice
}
