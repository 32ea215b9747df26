package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/remoting"
	"github.com/glimte/mmate-remoting/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock connector for testing
type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Connect(ctx context.Context) (*remoting.Connection, error) {
	args := m.Called(ctx)
	conn, _ := args.Get(0).(*remoting.Connection)
	return conn, args.Error(1)
}

// silentConnector links to a server end that never answers
type silentConnector struct{}

func (silentConnector) Connect(ctx context.Context) (*remoting.Connection, error) {
	client, srv := remoting.NewInVMPair()
	srv.Start(remoting.PacketHandlerFunc(func(ctx context.Context, conn *remoting.Connection, pkt *remoting.Packet) error {
		return nil
	}))
	return client, nil
}

func TestSessionFactory(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		factory := NewSessionFactory(new(mockConnector))

		assert.True(t, factory.IsBlockOnSend())
		assert.Empty(t, factory.Interceptors())
	})

	t.Run("Connect errors are wrapped", func(t *testing.T) {
		connector := new(mockConnector)
		cause := errors.New("refused")
		connector.On("Connect", mock.Anything).Return(nil, cause)

		_, err := NewSessionFactory(connector).CreateSession(context.Background())

		assert.ErrorIs(t, err, cause)
		connector.AssertExpectations(t)
	})

	t.Run("Stopped broker refuses sessions", func(t *testing.T) {
		_, err := NewSessionFactory(server.NewBroker()).CreateSession(context.Background())

		assert.ErrorIs(t, err, server.ErrBrokerNotStarted)
	})

	t.Run("Connect is retried", func(t *testing.T) {
		connector := new(mockConnector)
		conn, _ := silentConnector{}.Connect(context.Background())
		defer conn.Close()
		connector.On("Connect", mock.Anything).Return(nil, errors.New("refused")).Twice()
		connector.On("Connect", mock.Anything).Return(conn, nil).Once()

		factory := NewSessionFactory(connector,
			WithReconnectAttempts(3),
			WithRetryInterval(5*time.Millisecond, 20*time.Millisecond))
		session, err := factory.CreateSession(context.Background())

		require.NoError(t, err)
		assert.Equal(t, conn.ID(), session.ID())
		connector.AssertNumberOfCalls(t, "Connect", 3)
	})

	t.Run("Retries give up", func(t *testing.T) {
		connector := new(mockConnector)
		connector.On("Connect", mock.Anything).Return(nil, errors.New("refused"))

		_, err := NewSessionFactory(connector,
			WithReconnectAttempts(2),
			WithRetryInterval(time.Millisecond, time.Millisecond)).CreateSession(context.Background())

		assert.EqualError(t, err, "failed to create session: refused")
		connector.AssertNumberOfCalls(t, "Connect", 3)
	})

	t.Run("Broker started late", func(t *testing.T) {
		broker := server.NewBroker()
		defer broker.Stop()
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = broker.Start(context.Background())
		}()

		factory := NewSessionFactory(broker,
			WithReconnectAttempts(20),
			WithRetryInterval(10*time.Millisecond, 20*time.Millisecond))
		session, err := factory.CreateSession(context.Background())

		require.NoError(t, err)
		require.NoError(t, session.Close(context.Background()))
	})

	t.Run("Block on send applies to new sessions", func(t *testing.T) {
		broker := server.NewBroker()
		require.NoError(t, broker.Start(context.Background()))
		defer broker.Stop()

		factory := NewSessionFactory(broker)
		first, err := factory.CreateSession(context.Background())
		require.NoError(t, err)

		factory.SetBlockOnSend(false)
		second, err := factory.CreateSession(context.Background())
		require.NoError(t, err)

		assert.True(t, first.IsBlockOnSend())
		assert.False(t, second.IsBlockOnSend())
		require.NoError(t, factory.Close(context.Background()))
	})

	t.Run("Interceptors registered at construction", func(t *testing.T) {
		i := remoting.NewInterceptorFunc("x", func(ctx context.Context, pkt *remoting.Packet, conn remoting.RemotingConnection) (bool, error) {
			return true, nil
		})
		factory := NewSessionFactory(new(mockConnector), WithInterceptors(i))

		assert.Len(t, factory.Interceptors(), 1)
		assert.True(t, factory.RemoveInterceptor(i))
		assert.False(t, factory.RemoveInterceptor(i))
	})
}

func TestSessionCalls(t *testing.T) {
	ctx := context.Background()

	t.Run("Call timeout", func(t *testing.T) {
		factory := NewSessionFactory(silentConnector{}, WithCallTimeout(50*time.Millisecond))
		session, err := factory.CreateSession(ctx)
		require.NoError(t, err)
		defer session.conn.Close()

		err = session.CreateQueue(ctx, "a", "a")

		assert.ErrorIs(t, err, contracts.ErrCallTimeout)
	})

	t.Run("Queue bound elsewhere", func(t *testing.T) {
		f := newFixture(t)

		err := f.session.CreateQueue(ctx, "elsewhere", testQueue)

		assert.ErrorIs(t, err, contracts.ErrQueueExists)
		assert.NoError(t, f.session.CreateQueue(ctx, testQueue, testQueue))
	})

	t.Run("One consumer per queue", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.session.CreateConsumer(ctx, testQueue)

		assert.ErrorIs(t, err, contracts.ErrConsumerExists)
	})

	t.Run("Missing queue", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.session.CreateConsumer(ctx, "missing")

		assert.ErrorIs(t, err, contracts.ErrQueueNotFound)
	})

	t.Run("Closed session", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.session.Close(ctx))
		require.NoError(t, f.session.Close(ctx))

		assert.ErrorIs(t, f.session.Start(ctx), contracts.ErrSessionClosed)
		assert.ErrorIs(t, f.producer.Send(ctx, f.session.CreateMessage(false)), contracts.ErrSessionClosed)
		_, err := f.consumer.Receive(10 * time.Millisecond)
		assert.ErrorIs(t, err, contracts.ErrConsumerClosed)
		assert.Eventually(t, func() bool {
			return f.broker.RemotingService().ConnectionCount() == 0
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Session survives broker stop", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.broker.Stop())

		err := f.producer.Send(ctx, f.session.CreateMessage(false))

		assert.ErrorIs(t, err, contracts.ErrConnectionClosed)
		assert.NoError(t, f.session.Close(ctx))
	})

	t.Run("Broker stop wakes a waiting receive", func(t *testing.T) {
		f := newFixture(t)
		errs := make(chan error, 1)
		go func() {
			_, err := f.consumer.ReceiveContext(context.Background())
			errs <- err
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, f.broker.Stop())

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, contracts.ErrConnectionClosed)
		case <-time.After(time.Second):
			t.Fatal("receive did not return")
		}
	})

	t.Run("Receive after connection loss fails", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.broker.Stop())

		assert.Eventually(t, func() bool {
			_, err := f.consumer.Receive(50 * time.Millisecond)
			return errors.Is(err, contracts.ErrConnectionClosed)
		}, time.Second, 10*time.Millisecond)

		_, err := f.consumer.Receive(0)
		assert.ErrorIs(t, err, contracts.ErrConnectionClosed)
		_, err = f.consumer.ReceiveImmediate()
		assert.ErrorIs(t, err, contracts.ErrConnectionClosed)
	})
}

func TestConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("Receive with zero timeout does not wait", func(t *testing.T) {
		f := newFixture(t)
		start := time.Now()

		msg, err := f.consumer.Receive(0)

		assert.NoError(t, err)
		assert.Nil(t, msg)
		assert.Less(t, time.Since(start), 500*time.Millisecond)

		f.sendFruit(t, 1)
		msg, err = f.consumer.Receive(0)
		require.NoError(t, err)
		require.NotNil(t, msg, "a delivered message is returned at once")
	})

	t.Run("Receive times out with nil", func(t *testing.T) {
		f := newFixture(t)

		msg, err := f.consumer.Receive(20 * time.Millisecond)

		assert.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("ReceiveContext ends with context", func(t *testing.T) {
		f := newFixture(t)
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		msg, err := f.consumer.ReceiveContext(cctx)

		assert.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("ReceiveImmediate sees earlier non-blocking sends", func(t *testing.T) {
		f := newFixture(t, WithBlockOnSend(false))
		f.sendFruit(t, 3)

		for i := 0; i < 3; i++ {
			msg, err := f.consumer.ReceiveImmediate()
			require.NoError(t, err)
			assert.NotNil(t, msg)
		}
		msg, err := f.consumer.ReceiveImmediate()
		assert.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("Messages keep send order", func(t *testing.T) {
		f := newFixture(t)
		ids := make([]string, 0, messageCount)
		for i := 0; i < messageCount; i++ {
			msg := f.session.CreateMessage(false)
			ids = append(ids, msg.ID())
			require.NoError(t, f.producer.Send(ctx, msg))
		}

		for _, id := range ids {
			assert.Equal(t, id, f.receive(t).ID())
		}
	})

	t.Run("Stopped session holds deliveries", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.session.Stop(ctx))
		f.sendFruit(t, 1)

		msg, err := f.consumer.ReceiveImmediate()
		require.NoError(t, err)
		assert.Nil(t, msg)

		require.NoError(t, f.session.Start(ctx))
		f.expectFruit(t, 1, "apple")
	})

	t.Run("Closed consumer", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.consumer.Close(ctx))

		_, err := f.consumer.Receive(time.Millisecond)
		assert.ErrorIs(t, err, contracts.ErrConsumerClosed)
		_, err = f.consumer.ReceiveImmediate()
		assert.ErrorIs(t, err, contracts.ErrConsumerClosed)

		// The queue accepts a new consumer
		_, err = f.session.CreateConsumer(ctx, testQueue)
		assert.NoError(t, err)
	})

	t.Run("Close wakes a waiting receive", func(t *testing.T) {
		f := newFixture(t)
		errs := make(chan error, 1)
		go func() {
			_, err := f.consumer.ReceiveContext(context.Background())
			errs <- err
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, f.consumer.Close(ctx))

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, contracts.ErrConsumerClosed)
		case <-time.After(time.Second):
			t.Fatal("receive did not return")
		}
	})

	t.Run("Consumers receive independent copies", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.session.CreateQueue(ctx, testQueue, "second"))
		second, err := f.session.CreateConsumer(ctx, "second")
		require.NoError(t, err)

		f.sendFruit(t, 1)
		first := f.receive(t)
		first.PutStringProperty("fruit", "pear")

		other, err := second.Receive(time.Second)
		require.NoError(t, err)
		require.NotNil(t, other)
		fruit, _ := other.GetStringProperty("fruit")
		assert.Equal(t, "apple", fruit)
	})
}
