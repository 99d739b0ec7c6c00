// Package storetest provides a behavioural test suite shared by every
// store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func message(id, channelID string, offset time.Duration) mesh.Message {
	return mesh.Message{
		ID:         id,
		Timestamp:  base.Add(offset),
		SenderID:   "sender",
		SenderName: "alice",
		ChannelID:  channelID,
		Content:    "text " + id,
		Direction:  mesh.DirectionReceived,
		Status:     mesh.StatusDelivered,
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("append_and_history_order", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.AppendMessage(ctx, message("m2", "chan-a", 2*time.Second)))
		require.NoError(t, s.AppendMessage(ctx, message("m1", "chan-a", 1*time.Second)))
		require.NoError(t, s.AppendMessage(ctx, message("m3", "chan-a", 3*time.Second)))
		require.NoError(t, s.AppendMessage(ctx, message("other", "chan-b", 1*time.Second)))

		got, err := s.History(ctx, mesh.ChannelTarget("chan-a"), time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
		assert.Equal(t, "alice", got[0].SenderName)
		assert.True(t, got[0].Timestamp.Equal(base.Add(time.Second)))
	})

	t.Run("history_before_and_limit", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		for i, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.AppendMessage(ctx, message(id, "chan", time.Duration(i)*time.Second)))
		}

		got, err := s.History(ctx, mesh.ChannelTarget("chan"), base.Add(3*time.Second), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids(got), "newest two strictly before the cutoff, oldest first")
	})

	t.Run("direct_history", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		dm := message("dm1", "", 0)
		dm.PeerID = "peer-1"
		require.NoError(t, s.AppendMessage(ctx, dm))

		got, err := s.History(ctx, mesh.PeerTarget("peer-1"), time.Time{}, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].IsDirect())

		_, err = s.History(ctx, mesh.Target{}, time.Time{}, 10)
		assert.ErrorIs(t, err, mesh.ErrInvalidTarget)
	})

	t.Run("update_status", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		msg := message("out", "chan", 0)
		msg.Direction = mesh.DirectionSent
		msg.Status = mesh.StatusPending
		require.NoError(t, s.AppendMessage(ctx, msg))
		require.NoError(t, s.UpdateMessageStatus(ctx, "out", mesh.StatusFailed, mesh.ReasonTimeout))

		got, err := s.History(ctx, mesh.ChannelTarget("chan"), time.Time{}, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, mesh.StatusFailed, got[0].Status)
		assert.Equal(t, mesh.ReasonTimeout, got[0].FailureReason)

		err = s.UpdateMessageStatus(ctx, "missing", mesh.StatusSent, "")
		assert.True(t, errors.Is(err, mesh.ErrNotFound), "got %v", err)
	})

	t.Run("contacts_upsert_keeps_name", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		pub := make([]byte, mesh.PublicKeySize)
		pub[0] = 7
		c := mesh.Contact{NodeID: mesh.NodeIDFromKey(pub), Name: "bob", PublicKey: pub, LastSeen: base, RSSI: -90, SNR: 4.5}
		require.NoError(t, s.UpsertContact(ctx, c))

		c.Name = ""
		c.LastSeen = base.Add(time.Minute)
		c.RSSI = -70
		require.NoError(t, s.UpsertContact(ctx, c))

		other := mesh.Contact{NodeID: "other", Name: "carol", LastSeen: base}
		require.NoError(t, s.UpsertContact(ctx, other))

		got, err := s.ListContacts(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "bob", got[0].Name, "most recently seen first, name kept")
		assert.Equal(t, -70, got[0].RSSI)
		assert.Equal(t, pub, got[0].PublicKey)
		assert.True(t, got[0].LastSeen.Equal(base.Add(time.Minute)))
	})

	t.Run("channels_join_order", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		a := mesh.Channel{ID: "public-a", Name: "Zulu", Kind: mesh.ChannelPublic, Key: []byte{1}}
		b := mesh.Channel{ID: "private-b", Name: "Alpha", Kind: mesh.ChannelPrivate, Key: []byte{2, 3}}
		c := mesh.Channel{ID: "public-c", Name: "Mike", Kind: mesh.ChannelPublic, Key: []byte{4}}
		for _, ch := range []mesh.Channel{a, b, c} {
			require.NoError(t, s.UpsertChannel(ctx, ch))
		}
		// Updating an existing channel keeps its position
		b.Name = "Alpha2"
		require.NoError(t, s.UpsertChannel(ctx, b))

		got, err := s.ListChannels(ctx)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"public-a", "private-b", "public-c"}, []string{got[0].ID, got[1].ID, got[2].ID})
		assert.Equal(t, "Alpha2", got[1].Name)
		assert.Equal(t, mesh.ChannelPrivate, got[1].Kind)
		assert.Equal(t, []byte{2, 3}, got[1].Key)

		require.NoError(t, s.RemoveChannel(ctx, "private-b"))
		require.NoError(t, s.RemoveChannel(ctx, "private-b"), "removing twice is a no-op at the store level")

		got, err = s.ListChannels(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("record_inbound_unit", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		contact := mesh.Contact{NodeID: "n1", Name: "dave", LastSeen: base}
		require.NoError(t, s.RecordInbound(ctx, message("in", "chan", 0), &contact))
		require.NoError(t, s.RecordInbound(ctx, message("in2", "chan", time.Second), nil))

		contacts, err := s.ListContacts(ctx)
		require.NoError(t, err)
		require.Len(t, contacts, 1)
		assert.Equal(t, "dave", contacts[0].Name)

		msgs, err := s.History(ctx, mesh.ChannelTarget("chan"), time.Time{}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"in", "in2"}, ids(msgs))
	})

	t.Run("purge_history", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.AppendMessage(ctx, message("x", "gone", 0)))
		require.NoError(t, s.AppendMessage(ctx, message("y", "kept", 0)))
		require.NoError(t, s.PurgeHistory(ctx, mesh.ChannelTarget("gone")))

		got, err := s.History(ctx, mesh.ChannelTarget("gone"), time.Time{}, 10)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.History(ctx, mesh.ChannelTarget("kept"), time.Time{}, 10)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("close_is_idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
	})
}

func ids(msgs []mesh.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
