package remoting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-remoting/contracts"
)

// Interceptor inspects a packet before its endpoint acts on it.
//
// Returning false vetoes the packet: no later interceptor runs and the packet is
// dropped without notice to the peer. Returning an error aborts the chain as well and
// the error is reported to the operation that produced the packet.
//
// Interceptors may write properties into the message the packet references; later
// interceptors and the final receiver see those writes. Interceptors are removed by
// identity, so implementations should use pointer receivers.
type Interceptor interface {
	Intercept(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error)
}

// Named is implemented by interceptors that want a readable name in logs
type Named interface {
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error) {
	return i.fn(ctx, pkt, conn)
}

// Name implements Named
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorName returns the name used for an interceptor in logs and errors
func InterceptorName(i Interceptor) string {
	if n, ok := i.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", i)
}

// InterceptorError wraps a failure raised by an interceptor
type InterceptorError struct {
	Interceptor string
	PacketType  PacketType
	Err         error
}

func (e *InterceptorError) Error() string {
	return fmt.Sprintf("interceptor %s failed on %s packet: %v", e.Interceptor, e.PacketType, e.Err)
}

func (e *InterceptorError) Unwrap() error {
	return e.Err
}

// Is lets callers match any interceptor failure with contracts.ErrInterceptorFailure
func (e *InterceptorError) Is(target error) bool {
	return target == contracts.ErrInterceptorFailure
}

// InterceptorChain is an ordered registry of interceptors that stays safe to mutate
// while packets flow through it.
//
// Add and Remove install a new slice under a mutex; Invoke loads the current slice once
// and walks it without locking. A packet therefore sees the chain exactly as it was
// when its traversal started.
type InterceptorChain struct {
	mu           sync.Mutex
	interceptors atomic.Pointer[[]Interceptor]
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger, interceptors ...Interceptor) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	c := &InterceptorChain{logger: logger}
	initial := append([]Interceptor(nil), interceptors...)
	c.interceptors.Store(&initial)
	return c
}

// Add appends an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.interceptors.Load()
	next := make([]Interceptor, len(current), len(current)+1)
	copy(next, current)
	next = append(next, interceptor)
	c.interceptors.Store(&next)
}

// Remove removes the first registration of interceptor and reports whether it was found
func (c *InterceptorChain) Remove(interceptor Interceptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.interceptors.Load()
	for idx, registered := range current {
		if registered != interceptor {
			continue
		}

		next := make([]Interceptor, 0, len(current)-1)
		next = append(next, current[:idx]...)
		next = append(next, current[idx+1:]...)
		c.interceptors.Store(&next)
		return true
	}
	return false
}

// Interceptors returns the registered interceptors in order
func (c *InterceptorChain) Interceptors() []Interceptor {
	current := *c.interceptors.Load()
	return append([]Interceptor(nil), current...)
}

// Len returns the number of registered interceptors
func (c *InterceptorChain) Len() int {
	return len(*c.interceptors.Load())
}

// Invoke runs pkt through the interceptors in registration order.
// It returns false as soon as one interceptor vetoes, and an *InterceptorError as soon as
// one fails. An empty chain accepts everything.
func (c *InterceptorChain) Invoke(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error) {
	snapshot := *c.interceptors.Load()

	for _, interceptor := range snapshot {
		accepted, err := interceptor.Intercept(ctx, pkt, conn)
		if err != nil {
			return false, &InterceptorError{
				Interceptor: InterceptorName(interceptor),
				PacketType:  pkt.Type(),
				Err:         err,
			}
		}

		if !accepted {
			c.logger.Debug("packet vetoed by interceptor",
				"interceptor", InterceptorName(interceptor),
				"packetType", pkt.Type().String(),
				"connectionId", connectionID(conn),
			)
			return false, nil
		}
	}

	return true, nil
}

func connectionID(conn RemotingConnection) string {
	if conn == nil {
		return ""
	}
	return conn.ID()
}
