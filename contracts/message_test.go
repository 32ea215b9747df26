package contracts

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage(t *testing.T) {
	t.Run("NewMessage creates valid message", func(t *testing.T) {
		msg := NewMessage(true)

		assert.NotZero(t, msg.Timestamp())
		assert.True(t, msg.IsDurable())
		assert.Empty(t, msg.PropertyNames())

		_, err := uuid.Parse(msg.ID())
		assert.NoError(t, err)
	})

	t.Run("Typed properties round trip", func(t *testing.T) {
		msg := NewMessage(false)
		msg.PutStringProperty("fruit", "apple")
		msg.PutIntProperty("a", 1)
		msg.PutBoolProperty("ok", true)
		msg.PutFloatProperty("ratio", 0.5)
		msg.PutBytesProperty("raw", []byte{1, 2})

		s, ok := msg.GetStringProperty("fruit")
		assert.True(t, ok)
		assert.Equal(t, "apple", s)

		i, ok := msg.GetIntProperty("a")
		assert.True(t, ok)
		assert.Equal(t, int64(1), i)

		b, ok := msg.GetBoolProperty("ok")
		assert.True(t, ok)
		assert.True(t, b)

		f, ok := msg.GetFloatProperty("ratio")
		assert.True(t, ok)
		assert.Equal(t, 0.5, f)

		raw, ok := msg.GetBytesProperty("raw")
		assert.True(t, ok)
		assert.Equal(t, []byte{1, 2}, raw)

		assert.Equal(t, []string{"a", "fruit", "ok", "ratio", "raw"}, msg.PropertyNames())
	})

	t.Run("Last write wins", func(t *testing.T) {
		msg := NewMessage(false)
		msg.PutStringProperty("fruit", "apple")
		msg.PutStringProperty("fruit", "orange")

		s, _ := msg.GetStringProperty("fruit")
		assert.Equal(t, "orange", s)
		assert.Len(t, msg.PropertyNames(), 1)
	})

	t.Run("Wrong type reports not ok", func(t *testing.T) {
		msg := NewMessage(false)
		msg.PutIntProperty("a", 1)

		_, ok := msg.GetStringProperty("a")
		assert.False(t, ok)
		assert.True(t, msg.ContainsProperty("a"))
	})

	t.Run("RemoveProperty deletes key", func(t *testing.T) {
		msg := NewMessage(false)
		msg.PutIntProperty("b", 2)

		v, ok := msg.RemoveProperty("b")
		assert.True(t, ok)
		assert.Equal(t, int64(2), v)
		assert.False(t, msg.ContainsProperty("b"))
	})

	t.Run("Copy is independent", func(t *testing.T) {
		msg := NewMessage(false)
		msg.PutStringProperty("fruit", "apple")
		msg.SetBody([]byte("hello"))

		cp := msg.Copy()
		cp.PutStringProperty("fruit", "orange")
		cp.Body()[0] = 'j'

		s, _ := msg.GetStringProperty("fruit")
		assert.Equal(t, "apple", s)
		assert.Equal(t, "hello", string(msg.Body()))
		assert.Equal(t, msg.ID(), cp.ID())
	})

	t.Run("Concurrent writers and readers", func(t *testing.T) {
		msg := NewMessage(false)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				key := fmt.Sprintf("k%d", n)
				msg.PutIntProperty(key, int64(n))
				_, _ = msg.GetIntProperty(key)
				_ = msg.PropertyNames()
			}(i)
		}
		wg.Wait()
		assert.Len(t, msg.PropertyNames(), 8)
	})
}

func TestBrokerError(t *testing.T) {
	t.Run("Is matches the sentinel for its code", func(t *testing.T) {
		err := NewBrokerError(CodeQueueExists, "queue q exists")

		assert.True(t, errors.Is(err, ErrQueueExists))
		assert.False(t, errors.Is(err, ErrQueueNotFound))
		assert.Contains(t, err.Error(), "QUEUE_EXISTS")
	})

	t.Run("AsBrokerError maps wrapped sentinels", func(t *testing.T) {
		err := fmt.Errorf("bind failed: %w", ErrConsumerExists)

		be := AsBrokerError(err)
		require.NotNil(t, be)
		assert.Equal(t, CodeConsumerExists, be.Code)
		assert.True(t, errors.Is(be, ErrConsumerExists))
	})

	t.Run("AsBrokerError keeps existing broker errors", func(t *testing.T) {
		orig := NewBrokerError(CodeInterceptorFailure, "boom")
		assert.Same(t, orig, AsBrokerError(fmt.Errorf("wrapped: %w", orig)))
	})

	t.Run("Unknown errors become internal", func(t *testing.T) {
		cause := errors.New("disk on fire")
		be := AsBrokerError(cause)

		assert.Equal(t, CodeInternal, be.Code)
		assert.ErrorIs(t, be, cause)
		assert.Nil(t, AsBrokerError(nil))
	})
}
