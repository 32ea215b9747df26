package remoting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock interceptor
type mockInterceptor struct {
	mock.Mock
}

func (m *mockInterceptor) Intercept(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error) {
	args := m.Called(ctx, pkt, conn)
	return args.Bool(0), args.Error(1)
}

// recordingInterceptor stamps its key and records what it saw from earlier interceptors
type recordingInterceptor struct {
	key    string
	seen   []string
	reject atomic.Bool
	called atomic.Bool
}

func (r *recordingInterceptor) Intercept(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error) {
	r.called.Store(true)
	msg := pkt.Message()
	r.seen = msg.PropertyNames()
	msg.PutStringProperty(r.key, "set")
	return !r.reject.Load(), nil
}

func newTestSendPacket() *Packet {
	return NewSendPacket(1, 0, "orders", contracts.NewMessage(false), false)
}

func TestInterceptorChain(t *testing.T) {
	t.Run("Empty chain accepts", func(t *testing.T) {
		chain := NewInterceptorChain(nil)

		accepted, err := chain.Invoke(context.Background(), newTestSendPacket(), nil)

		assert.NoError(t, err)
		assert.True(t, accepted)
		assert.Equal(t, 0, chain.Len())
	})

	t.Run("Interceptors run in registration order and see earlier writes", func(t *testing.T) {
		a := &recordingInterceptor{key: "a"}
		b := &recordingInterceptor{key: "b"}
		c := &recordingInterceptor{key: "c"}
		chain := NewInterceptorChain(nil, a, b)
		chain.Add(c)

		pkt := newTestSendPacket()
		accepted, err := chain.Invoke(context.Background(), pkt, nil)

		require.NoError(t, err)
		assert.True(t, accepted)
		assert.Empty(t, a.seen)
		assert.Equal(t, []string{"a"}, b.seen)
		assert.Equal(t, []string{"a", "b"}, c.seen)
		assert.Equal(t, []string{"a", "b", "c"}, pkt.Message().PropertyNames())
	})

	t.Run("Veto short-circuits", func(t *testing.T) {
		first := &recordingInterceptor{key: "a"}
		vetoing := &recordingInterceptor{key: "b"}
		vetoing.reject.Store(true)
		last := &recordingInterceptor{key: "c"}
		chain := NewInterceptorChain(nil, first, vetoing, last)

		accepted, err := chain.Invoke(context.Background(), newTestSendPacket(), nil)

		assert.NoError(t, err)
		assert.False(t, accepted)
		assert.True(t, first.called.Load())
		assert.True(t, vetoing.called.Load())
		assert.False(t, last.called.Load())
	})

	t.Run("Failure aborts and propagates", func(t *testing.T) {
		cause := errors.New("boom")
		failing := new(mockInterceptor)
		failing.On("Intercept", mock.Anything, mock.Anything, mock.Anything).Return(false, cause)
		never := new(mockInterceptor)
		chain := NewInterceptorChain(nil, failing, never)

		accepted, err := chain.Invoke(context.Background(), newTestSendPacket(), nil)

		assert.False(t, accepted)
		require.Error(t, err)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, contracts.ErrInterceptorFailure)

		var ie *InterceptorError
		require.True(t, errors.As(err, &ie))
		assert.Equal(t, PacketSend, ie.PacketType)
		never.AssertNotCalled(t, "Intercept", mock.Anything, mock.Anything, mock.Anything)
		failing.AssertExpectations(t)
	})

	t.Run("Remove by identity", func(t *testing.T) {
		a := &recordingInterceptor{key: "a"}
		b := &recordingInterceptor{key: "b"}
		chain := NewInterceptorChain(nil, a, b)

		assert.True(t, chain.Remove(a))
		assert.False(t, chain.Remove(a))
		assert.Equal(t, []Interceptor{b}, chain.Interceptors())
	})

	t.Run("Remove takes only the first registration", func(t *testing.T) {
		a := &recordingInterceptor{key: "a"}
		chain := NewInterceptorChain(nil, a, a)

		chain.Remove(a)

		assert.Equal(t, 1, chain.Len())
	})

	t.Run("Mutation during traversal does not affect the packet in flight", func(t *testing.T) {
		last := &recordingInterceptor{key: "last"}
		var chain *InterceptorChain
		remover := NewInterceptorFunc("remover", func(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error) {
			chain.Remove(last)
			return true, nil
		})
		chain = NewInterceptorChain(nil, remover, last)

		accepted, err := chain.Invoke(context.Background(), newTestSendPacket(), nil)

		require.NoError(t, err)
		assert.True(t, accepted)
		assert.True(t, last.called.Load())

		last.called.Store(false)
		_, _ = chain.Invoke(context.Background(), newTestSendPacket(), nil)
		assert.False(t, last.called.Load())
	})

	t.Run("Interceptors snapshot is a copy", func(t *testing.T) {
		a := &recordingInterceptor{key: "a"}
		chain := NewInterceptorChain(nil, a)

		snapshot := chain.Interceptors()
		snapshot[0] = nil

		assert.Equal(t, []Interceptor{a}, chain.Interceptors())
	})

	t.Run("Concurrent invoke with add and remove", func(t *testing.T) {
		chain := NewInterceptorChain(nil)
		var invocations atomic.Int64
		counting := func(n int) *InterceptorFunc {
			return NewInterceptorFunc(fmt.Sprintf("counter-%d", n), func(ctx context.Context, pkt *Packet, conn RemotingConnection) (bool, error) {
				invocations.Add(1)
				return true, nil
			})
		}

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					accepted, err := chain.Invoke(context.Background(), newTestSendPacket(), nil)
					assert.NoError(t, err)
					assert.True(t, accepted)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ic := counting(i)
				chain.Add(ic)
				chain.Remove(ic)
			}
		}()
		wg.Wait()

		assert.Equal(t, 0, chain.Len())
	})
}

func TestInterceptorName(t *testing.T) {
	assert.Equal(t, "stamp", InterceptorName(NewInterceptorFunc("stamp", nil)))
	assert.Equal(t, "*remoting.recordingInterceptor", InterceptorName(&recordingInterceptor{}))
}

func TestInterceptorErrorCode(t *testing.T) {
	err := &InterceptorError{
		Interceptor: "lookup",
		PacketType:  PacketSend,
		Err:         fmt.Errorf("wrap: %w", contracts.ErrQueueNotFound),
	}

	// Matches both sentinels; the interceptor failure must win every time
	for i := 0; i < 100; i++ {
		be := contracts.AsBrokerError(err)
		require.Equal(t, contracts.CodeInterceptorFailure, be.Code)
	}
	assert.ErrorIs(t, err, contracts.ErrQueueNotFound)
}
