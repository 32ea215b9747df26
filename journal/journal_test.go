package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/remoting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryJournal(t *testing.T) {
	t.Run("creates with default options", func(t *testing.T) {
		journal := NewInMemoryJournal()
		assert.Equal(t, 10000, journal.maxEntries)
		assert.Equal(t, 0.2, journal.rotatePercent)
	})

	t.Run("applies options", func(t *testing.T) {
		journal := NewInMemoryJournal(
			WithMaxEntries(5000),
			WithRotatePercent(0.3),
		)
		assert.Equal(t, 5000, journal.maxEntries)
		assert.Equal(t, 0.3, journal.rotatePercent)
	})
}

func TestInMemoryJournal_Record(t *testing.T) {
	ctx := context.Background()

	t.Run("records entry with auto-generated fields", func(t *testing.T) {
		journal := NewInMemoryJournal()
		entry := &Entry{MessageID: "msg-123", Component: "before"}

		require.NoError(t, journal.Record(ctx, entry))

		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())
		assert.Equal(t, 1, journal.Len())
	})

	t.Run("rejects nil entry", func(t *testing.T) {
		assert.Error(t, NewInMemoryJournal().Record(ctx, nil))
	})

	t.Run("rotates when max entries reached", func(t *testing.T) {
		journal := NewInMemoryJournal(WithMaxEntries(10), WithRotatePercent(0.3))

		for i := 0; i < 11; i++ {
			require.NoError(t, journal.Record(ctx, &Entry{MessageID: fmt.Sprintf("msg-%d", i), Component: "test"}))
		}

		// 10 - 3 rotated out + 1 new
		assert.Equal(t, 8, journal.Len())
		entries, err := journal.ByMessageID(ctx, "msg-0")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestInMemoryJournal_RecordPacket(t *testing.T) {
	ctx := context.Background()
	client, server := remoting.NewInVMPair()
	defer client.Close()

	msg := contracts.NewMessage(false)
	msg.PutStringProperty("fruit", "apple")
	msg.PutIntProperty("index", 7)
	pkt := remoting.NewSendPacket(1, 4, "orders", msg, true)

	journal := NewInMemoryJournal()
	require.NoError(t, journal.RecordPacket(ctx, "before", pkt, server))

	msg.PutStringProperty("fruit", "orange")
	msg.PutBoolProperty("seen", true)
	require.NoError(t, journal.RecordPacket(ctx, "after", pkt, server))

	entries, err := journal.ByMessageID(ctx, msg.ID())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	first := entries[0]
	assert.Equal(t, "before", first.Component)
	assert.Equal(t, "SEND", first.PacketType)
	assert.Equal(t, int64(4), first.CorrelationID)
	assert.Equal(t, "orders", first.Address)
	assert.Equal(t, server.ID(), first.ConnectionID)
	assert.Equal(t, remoting.RoleServer.String(), first.Role)
	assert.JSONEq(t, `{"fruit":"apple","index":7}`, string(first.Properties))

	t.Run("Mutations between snapshots", func(t *testing.T) {
		mutations, err := journal.Mutations(ctx, msg.ID())
		require.NoError(t, err)

		require.Len(t, mutations, 2)
		assert.Equal(t, "fruit", mutations[0].Key)
		assert.JSONEq(t, `"apple"`, string(mutations[0].Before))
		assert.JSONEq(t, `"orange"`, string(mutations[0].After))
		assert.Equal(t, "after", mutations[0].Component)
		assert.Equal(t, "seen", mutations[1].Key)
		assert.Nil(t, mutations[1].Before)
	})

	t.Run("Nil packet", func(t *testing.T) {
		assert.Error(t, journal.RecordPacket(ctx, "x", nil, server))
	})
}

func TestInMemoryJournal_ByComponent(t *testing.T) {
	ctx := context.Background()
	journal := NewInMemoryJournal()

	components := []string{"server", "client", "server", "bridge", "server"}
	for i, comp := range components {
		require.NoError(t, journal.Record(ctx, &Entry{MessageID: fmt.Sprintf("msg-%d", i), Component: comp}))
	}

	t.Run("gets all entries for component", func(t *testing.T) {
		entries, err := journal.ByComponent(ctx, "server", 0)
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("respects limit with most recent entries", func(t *testing.T) {
		entries, err := journal.ByComponent(ctx, "server", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "msg-4", entries[1].MessageID)
	})

	t.Run("returns empty for unknown component", func(t *testing.T) {
		entries, err := journal.ByComponent(ctx, "unknown", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestInMemoryJournal_Stats(t *testing.T) {
	ctx := context.Background()
	journal := NewInMemoryJournal()

	for i, typ := range []string{"SEND", "SEND", "DELIVER"} {
		require.NoError(t, journal.Record(ctx, &Entry{MessageID: fmt.Sprintf("msg-%d", i), PacketType: typ, Component: "c"}))
	}

	stats, err := journal.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.EntriesByType["SEND"])
	assert.Equal(t, int64(3), stats.EntriesByComponent["c"])
	assert.False(t, stats.LastEntry.IsZero())
}

func TestInMemoryJournal_Clear(t *testing.T) {
	ctx := context.Background()
	journal := NewInMemoryJournal()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, journal.Record(ctx, &Entry{
			MessageID: fmt.Sprintf("msg-%d", i),
			Timestamp: now.Add(time.Duration(-i) * time.Hour),
			Component: "test",
		}))
	}

	removed, err := journal.Clear(ctx, 90*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, journal.Len())

	entries, err := journal.ByComponent(ctx, "test", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
