package server

import (
	"log/slog"
	"sync"

	"github.com/glimte/mmate-remoting/internal/observability"
	"github.com/glimte/mmate-remoting/remoting"
)

// RemotingService accepts connections and owns the interceptor chain shared by all of
// them. Interceptors added or removed here affect every connection, for packets that
// arrive after the call returns.
type RemotingService struct {
	chain         *remoting.InterceptorChain
	postOffice    *PostOffice
	logger        *slog.Logger
	metrics       *observability.Metrics
	inboundTypes  []remoting.PacketType
	outboundTypes []remoting.PacketType

	mu          sync.Mutex
	connections map[string]*remoting.Connection
}

func newRemotingService(cfg *brokerConfig, postOffice *PostOffice) *RemotingService {
	s := &RemotingService{
		chain:         remoting.NewInterceptorChain(cfg.logger, cfg.interceptors...),
		postOffice:    postOffice,
		logger:        cfg.logger,
		metrics:       cfg.metrics,
		inboundTypes:  cfg.inboundTypes,
		outboundTypes: cfg.outboundTypes,
		connections:   make(map[string]*remoting.Connection),
	}
	s.metrics.SetInterceptors(remoting.RoleServer.String(), s.chain.Len())
	return s
}

// AddInterceptor registers a server interceptor
func (s *RemotingService) AddInterceptor(interceptor remoting.Interceptor) {
	s.chain.Add(interceptor)
	s.metrics.SetInterceptors(remoting.RoleServer.String(), s.chain.Len())
	s.logger.Debug("server interceptor added", "interceptor", remoting.InterceptorName(interceptor))
}

// RemoveInterceptor unregisters a server interceptor
func (s *RemotingService) RemoveInterceptor(interceptor remoting.Interceptor) bool {
	removed := s.chain.Remove(interceptor)
	s.metrics.SetInterceptors(remoting.RoleServer.String(), s.chain.Len())
	if removed {
		s.logger.Debug("server interceptor removed", "interceptor", remoting.InterceptorName(interceptor))
	}
	return removed
}

// Interceptors returns the registered server interceptors in order
func (s *RemotingService) Interceptors() []remoting.Interceptor {
	return s.chain.Interceptors()
}

// ConnectionCount returns the number of open connections
func (s *RemotingService) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// PendingPackets returns the number of packets the broker received but has not handled
// yet, summed over all connections
func (s *RemotingService) PendingPackets() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, conn := range s.connections {
		pending += conn.Pending()
	}
	return pending
}

// accept creates an in-VM link, starts the server end and returns the client end
func (s *RemotingService) accept() *remoting.Connection {
	client, conn := remoting.NewInVMPair(remoting.WithConnectionLogger(s.logger))

	session := newServerSession(conn, s.postOffice, s.logger)
	pipeline := remoting.NewPipeline(remoting.RoleServer, s.chain, session,
		remoting.WithInboundTypes(s.inboundTypes...),
		remoting.WithOutboundTypes(s.outboundTypes...),
		remoting.WithPipelineLogger(s.logger),
		remoting.WithPipelineMetrics(s.metrics),
	)
	session.pipeline = pipeline

	conn.AddFailureListener(func(pkt *remoting.Packet, err error) {
		session.reportFailure(pkt, err)
	})

	s.mu.Lock()
	s.connections[conn.ID()] = conn
	s.mu.Unlock()

	go func() {
		<-conn.Done()
		session.close()
		s.mu.Lock()
		delete(s.connections, conn.ID())
		s.mu.Unlock()
	}()

	conn.Start(pipeline)
	s.logger.Info("connection accepted", "connectionId", conn.ID())
	return client
}

func (s *RemotingService) closeAll() {
	s.mu.Lock()
	conns := make([]*remoting.Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
