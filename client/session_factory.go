package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-remoting/internal/observability"
	"github.com/glimte/mmate-remoting/internal/reliability"
	"github.com/glimte/mmate-remoting/remoting"
)

const (
	defaultCallTimeout      = 30 * time.Second
	defaultRetryInterval    = 100 * time.Millisecond
	defaultMaxRetryInterval = 2 * time.Second
)

// SessionFactory is the client endpoint context. It owns the client interceptor chain
// shared by every session it creates.
type SessionFactory struct {
	connector   remoting.Connector
	chain       *remoting.InterceptorChain
	logger      *slog.Logger
	metrics     *observability.Metrics
	callTimeout time.Duration
	retry       reliability.RetryPolicy
	blockOnSend atomic.Bool

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// factoryConfig holds session factory configuration
type factoryConfig struct {
	logger       *slog.Logger
	metrics      *observability.Metrics
	interceptors []remoting.Interceptor
	blockOnSend  bool
	callTimeout  time.Duration

	reconnectAttempts int
	retryInterval     time.Duration
	maxRetryInterval  time.Duration
}

// FactoryOption configures the session factory
type FactoryOption func(*factoryConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(cfg *factoryConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *observability.Metrics) FactoryOption {
	return func(cfg *factoryConfig) {
		cfg.metrics = metrics
	}
}

// WithInterceptors registers client interceptors at construction
func WithInterceptors(interceptors ...remoting.Interceptor) FactoryOption {
	return func(cfg *factoryConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithBlockOnSend makes producers wait for the broker's acknowledgment of every send.
// Enabled by default.
func WithBlockOnSend(block bool) FactoryOption {
	return func(cfg *factoryConfig) {
		cfg.blockOnSend = block
	}
}

// WithCallTimeout bounds how long control requests wait for their response
func WithCallTimeout(timeout time.Duration) FactoryOption {
	return func(cfg *factoryConfig) {
		if timeout > 0 {
			cfg.callTimeout = timeout
		}
	}
}

// WithReconnectAttempts retries a failed connect up to attempts more times before
// CreateSession gives up. Zero, the default, fails on the first error.
func WithReconnectAttempts(attempts int) FactoryOption {
	return func(cfg *factoryConfig) {
		if attempts >= 0 {
			cfg.reconnectAttempts = attempts
		}
	}
}

// WithRetryInterval sets the delay before the first connect retry. Later retries
// double it up to max.
func WithRetryInterval(interval, max time.Duration) FactoryOption {
	return func(cfg *factoryConfig) {
		if interval > 0 {
			cfg.retryInterval = interval
		}
		if max >= interval {
			cfg.maxRetryInterval = max
		}
	}
}

// NewSessionFactory creates a session factory connecting through connector
func NewSessionFactory(connector remoting.Connector, options ...FactoryOption) *SessionFactory {
	cfg := &factoryConfig{
		logger:      slog.Default(),
		blockOnSend: true,
		callTimeout: defaultCallTimeout,

		retryInterval:    defaultRetryInterval,
		maxRetryInterval: defaultMaxRetryInterval,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	f := &SessionFactory{
		connector:   connector,
		chain:       remoting.NewInterceptorChain(cfg.logger, cfg.interceptors...),
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		callTimeout: cfg.callTimeout,
		retry:       reliability.NewExponentialBackoff(cfg.retryInterval, cfg.maxRetryInterval, 2.0, cfg.reconnectAttempts),
		sessions:    make(map[*Session]struct{}),
	}
	f.blockOnSend.Store(cfg.blockOnSend)
	f.metrics.SetInterceptors(remoting.RoleClient.String(), f.chain.Len())
	return f
}

// AddInterceptor registers a client interceptor. It applies to every session of the
// factory, including sessions created earlier.
func (f *SessionFactory) AddInterceptor(interceptor remoting.Interceptor) {
	f.chain.Add(interceptor)
	f.metrics.SetInterceptors(remoting.RoleClient.String(), f.chain.Len())
	f.logger.Debug("client interceptor added", "interceptor", remoting.InterceptorName(interceptor))
}

// RemoveInterceptor unregisters a client interceptor
func (f *SessionFactory) RemoveInterceptor(interceptor remoting.Interceptor) bool {
	removed := f.chain.Remove(interceptor)
	f.metrics.SetInterceptors(remoting.RoleClient.String(), f.chain.Len())
	if removed {
		f.logger.Debug("client interceptor removed", "interceptor", remoting.InterceptorName(interceptor))
	}
	return removed
}

// Interceptors returns the registered client interceptors in order
func (f *SessionFactory) Interceptors() []remoting.Interceptor {
	return f.chain.Interceptors()
}

// SetBlockOnSend changes whether sessions created afterwards block on send
func (f *SessionFactory) SetBlockOnSend(block bool) {
	f.blockOnSend.Store(block)
}

// IsBlockOnSend reports whether new sessions block on send
func (f *SessionFactory) IsBlockOnSend() bool {
	return f.blockOnSend.Load()
}

// CreateSession opens a connection and wraps it in a session. A failed connect is
// retried as configured with WithReconnectAttempts.
func (f *SessionFactory) CreateSession(ctx context.Context) (*Session, error) {
	var conn *remoting.Connection
	attempt := 0
	err := reliability.Retry(ctx, f.retry, func() error {
		var err error
		if attempt > 0 {
			f.logger.Debug("retrying connect", "attempt", attempt)
		}
		attempt++
		conn, err = f.connector.Connect(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s := newSession(f, conn)
	f.mu.Lock()
	f.sessions[s] = struct{}{}
	f.mu.Unlock()

	f.logger.Debug("session created", "connectionId", conn.ID(), "blockOnSend", s.blockOnSend)
	return s, nil
}

// Close closes every open session
func (f *SessionFactory) Close(ctx context.Context) error {
	f.mu.Lock()
	sessions := make([]*Session, 0, len(f.sessions))
	for s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *SessionFactory) forget(s *Session) {
	f.mu.Lock()
	delete(f.sessions, s)
	f.mu.Unlock()
}
