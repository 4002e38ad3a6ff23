package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

// Both gateways must satisfy the same contract, so every test runs against
// both backends.
func withGateways(t *testing.T, fn func(t *testing.T, gw Gateway)) {
	t.Run("memory", func(t *testing.T) {
		gw := NewMemoryGateway()
		defer gw.Close()
		fn(t, gw)
	})
	t.Run("sqlite", func(t *testing.T) {
		gw, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
		require.NoError(t, err)
		defer gw.Close()
		fn(t, gw)
	})
}

func makeSession(t *testing.T, gw Gateway, name string, total uint8) {
	t.Helper()
	err := gw.CreateSession(context.Background(), SessionMeta{
		SessionID:    7,
		ConnName:     name,
		Cookie:       "room",
		Lang:         1,
		TotalPlayers: total,
	})
	require.NoError(t, err)
}

func TestGateway_FindOpenSessionMatchesCriteria(t *testing.T) {
	withGateways(t, func(t *testing.T, gw Gateway) {
		ctx := context.Background()
		makeSession(t, gw, "relay:1", 4)

		meta, err := gw.FindOpenSession(ctx, "room", 1, 4, 2, false)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, "relay:1", meta.ConnName)

		// Wrong cookie, language, total, or publicness must not match.
		for _, tc := range []struct {
			cookie string
			lang   uint8
			total  uint8
			public bool
		}{
			{"other", 1, 4, false},
			{"room", 2, 4, false},
			{"room", 1, 2, false},
			{"room", 1, 4, true},
		} {
			meta, err := gw.FindOpenSession(ctx, tc.cookie, tc.lang, tc.total, 1, tc.public)
			require.NoError(t, err)
			assert.Nil(t, meta)
		}
	})
}

func TestGateway_FindOpenSessionSkipsFullAndDead(t *testing.T) {
	withGateways(t, func(t *testing.T, gw Gateway) {
		ctx := context.Background()
		makeSession(t, gw, "relay:1", 2)

		_, err := gw.AddDevice(ctx, "relay:1", wire.HostNone, 2, 0x11)
		require.NoError(t, err)

		meta, err := gw.FindOpenSession(ctx, "room", 1, 2, 1, false)
		require.NoError(t, err)
		assert.Nil(t, meta, "full session must not admit more players")

		makeSession(t, gw, "relay:2", 2)
		require.NoError(t, gw.KillSession(ctx, "relay:2"))
		meta, err = gw.FindOpenSession(ctx, "room", 1, 2, 1, false)
		require.NoError(t, err)
		assert.Nil(t, meta, "dead session must not match")
	})
}

func TestGateway_AddDeviceAssignsLowestFreeSlot(t *testing.T) {
	withGateways(t, func(t *testing.T, gw Gateway) {
		ctx := context.Background()
		makeSession(t, gw, "relay:1", 4)

		first, err := gw.AddDevice(ctx, "relay:1", wire.HostNone, 1, 0x11)
		require.NoError(t, err)
		assert.Equal(t, wire.HostDesignated, first)

		second, err := gw.AddDevice(ctx, "relay:1", wire.HostNone, 1, 0x22)
		require.NoError(t, err)
		assert.Equal(t, wire.HostID(2), second)

		// Removing the middle slot frees it for the next admission.
		require.NoError(t, gw.RemoveDevice(ctx, "relay:1", second))
		third, err := gw.AddDevice(ctx, "relay:1", wire.HostNone, 1, 0x33)
		require.NoError(t, err)
		assert.Equal(t, wire.HostID(2), third)
	})
}

func TestGateway_AddDeviceReclaimsExplicitSlot(t *testing.T) {
	withGateways(t, func(t *testing.T, gw Gateway) {
		ctx := context.Background()
		makeSession(t, gw, "relay:1", 2)

		hid, err := gw.AddDevice(ctx, "relay:1", wire.HostNone, 1, 0x11)
		require.NoError(t, err)

		// A reconnect claims its old slot with fresh details; the player
		// contribution must not double.
		got, err := gw.AddDevice(ctx, "relay:1", hid, 1, 0x22)
		require.NoError(t, err)
		assert.Equal(t, hid, got)

		meta, err := gw.FindSessionByName(ctx, "relay:1")
		require.NoError(t, err)
		assert.Equal(t, uint8(1), meta.PlayersHere)
	})
}

func TestGateway_SessionIsFull(t *testing.T) {
	withGateways(t, func(t *testing.T, gw Gateway) {
		ctx := context.Background()
		makeSession(t, gw, "relay:1", 2)

		full, err := gw.SessionIsFull(ctx, "relay:1")
		require.NoError(t, err)
		assert.False(t, full)

		_, err = gw.AddDevice(ctx, "relay:1", wire.HostNone, 1, 0x11)
		require.NoError(t, err)
		_, err = gw.AddDevice(ctx, "relay:1", wire.HostNone, 1, 0x22)
		require.NoError(t, err)

		full, err = gw.SessionIsFull(ctx, "relay:1")
		require.NoError(t, err)
		assert.True(t, full)
	})
}

func TestGateway_MessagesDrainOldestFirst(t *testing.T) {
	withGateways(t, func(t *testing.T, gw Gateway) {
		ctx := context.Background()
		makeSession(t, gw, "relay:1", 2)

		bodyA := []byte{0x01, 0x02}
		bodyB := []byte{0x03}
		idA, err := gw.StoreMessage(ctx, "relay:1", 1, 2, bodyA)
		require.NoError(t, err)
		_, err = gw.StoreMessage(ctx, "relay:1", 1, 2, bodyB)
		require.NoError(t, err)

		msg, err := gw.FetchOldestMessage(ctx, "relay:1", 2)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, bodyA, msg.Body, "stored message must round-trip verbatim")
		assert.Equal(t, wire.HostID(1), msg.SrcHost)
		assert.Equal(t, idA, msg.ID)

		// Not removed until the send is confirmed.
		again, err := gw.FetchOldestMessage(ctx, "relay:1", 2)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, again.ID)

		require.NoError(t, gw.RemoveMessage(ctx, msg.ID))
		msg, err = gw.FetchOldestMessage(ctx, "relay:1", 2)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, bodyB, msg.Body)

		require.NoError(t, gw.RemoveMessage(ctx, msg.ID))
		msg, err = gw.FetchOldestMessage(ctx, "relay:1", 2)
		require.NoError(t, err)
		assert.Nil(t, msg)

		// The queue for another destination is untouched by all this.
		other, err := gw.FetchOldestMessage(ctx, "relay:1", 1)
		require.NoError(t, err)
		assert.Nil(t, other)
	})
}

func TestGateway_RemoveDeviceDropsPlayerContribution(t *testing.T) {
	withGateways(t, func(t *testing.T, gw Gateway) {
		ctx := context.Background()
		makeSession(t, gw, "relay:1", 2)

		hid, err := gw.AddDevice(ctx, "relay:1", wire.HostNone, 2, 0x11)
		require.NoError(t, err)
		meta, err := gw.FindSessionByName(ctx, "relay:1")
		require.NoError(t, err)
		assert.Equal(t, uint8(2), meta.PlayersHere)

		require.NoError(t, gw.RemoveDevice(ctx, "relay:1", hid))
		meta, err = gw.FindSessionByName(ctx, "relay:1")
		require.NoError(t, err)
		assert.Equal(t, uint8(0), meta.PlayersHere)
	})
}
