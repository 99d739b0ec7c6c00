package session

import (
	"context"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/channels"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannels_AddRemoveEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")

	ch, err := h.node.AddPublicChannel(ctx, "  Public ")
	require.NoError(t, err)
	assert.Equal(t, "Public", ch.Name)
	added := nextEvent(t, h.sub, events.KindChannelChanged).(events.ChannelChanged)
	assert.Equal(t, events.ChannelAdded, added.Change)
	assert.Equal(t, ch.ID, added.Channel.ID)

	_, err = h.node.AddPublicChannel(ctx, "Public")
	assert.ErrorIs(t, err, channels.ErrDuplicateChannel)

	require.NoError(t, h.node.RemoveChannel(ctx, ch.ID))
	removed := nextEvent(t, h.sub, events.KindChannelChanged).(events.ChannelChanged)
	assert.Equal(t, events.ChannelRemoved, removed.Change)
	assert.Equal(t, ch.ID, removed.Channel.ID)

	assert.ErrorIs(t, h.node.RemoveChannel(ctx, ch.ID), mesh.ErrNotFound)
	expectQuiet(t, h.sub, 50*time.Millisecond)
	assert.Empty(t, h.node.Channels())

	stored, err := h.store.ListChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestChannels_HistoryPolicy(t *testing.T) {
	tests := []struct {
		policy HistoryPolicy
		want   int
	}{
		{HistoryRetain, 1},
		{HistoryPurge, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, "alpha", func(c *Config) { c.HistoryPolicy = tt.policy })
			h.start(t)

			ch, err := h.node.AddPublicChannel(ctx, "#weather")
			require.NoError(t, err)
			_, err = h.node.SendChannelMessage(ctx, ch.ID, "rain at noon")
			require.NoError(t, err)

			require.NoError(t, h.node.RemoveChannel(ctx, ch.ID))
			rejoined, err := h.node.AddPublicChannel(ctx, "#weather")
			require.NoError(t, err)
			require.Equal(t, ch.ID, rejoined.ID)

			history, err := h.node.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 0)
			require.NoError(t, err)
			assert.Len(t, history, tt.want)
		})
	}
}

func TestChannels_HistoryRejectsInvalidTarget(t *testing.T) {
	h := newHarness(t, "alpha")
	_, err := h.node.History(context.Background(), mesh.Target{}, time.Time{}, 0)
	assert.ErrorIs(t, err, mesh.ErrInvalidTarget)
}

func TestParseHistoryPolicy(t *testing.T) {
	p, err := ParseHistoryPolicy("PURGE")
	require.NoError(t, err)
	assert.Equal(t, HistoryPurge, p)

	p, err = ParseHistoryPolicy("")
	require.NoError(t, err)
	assert.Equal(t, HistoryRetain, p)

	_, err = ParseHistoryPolicy("archive")
	assert.Error(t, err)
}
