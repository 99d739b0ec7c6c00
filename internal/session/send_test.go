package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/packet"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_PublicChannelRoundTrip(t *testing.T) {
	ctx := context.Background()
	alpha := newHarness(t, "alpha")
	bravo := newHarness(t, "bravo")
	alpha.start(t)
	bravo.start(t)

	chA, err := alpha.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	chB, err := bravo.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	require.Equal(t, chA.ID, chB.ID, "public channels derive the same id on every node")

	sent, err := alpha.node.SendChannelMessage(ctx, chA.ID, "hello mesh")
	require.NoError(t, err)
	assert.Equal(t, mesh.StatusSent, sent.Status)
	assert.Equal(t, mesh.DirectionSent, sent.Direction)
	assert.Equal(t, alpha.node.Identity().NodeID, sent.SenderID)

	alpha.relayLast(t, bravo)

	ev := nextEvent(t, bravo.sub, events.KindMessageReceived).(events.MessageReceived)
	assert.Equal(t, "hello mesh", ev.Message.Content)
	assert.Equal(t, chB.ID, ev.Message.ChannelID)
	assert.Equal(t, "alpha", ev.Message.SenderName)
	assert.Equal(t, alpha.node.Identity().NodeID, ev.Message.SenderID)
	assert.Equal(t, mesh.DirectionReceived, ev.Message.Direction)
	assert.Equal(t, mesh.StatusDelivered, ev.Message.Status)
	require.NotNil(t, ev.Contact, "first message from a node creates its contact")
	assert.Equal(t, "alpha", ev.Contact.Name)
	assert.Equal(t, -80, ev.Contact.RSSI)

	history, err := bravo.node.History(ctx, mesh.ChannelTarget(chB.ID), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ev.Message.ID, history[0].ID)

	own, err := alpha.node.History(ctx, mesh.ChannelTarget(chA.ID), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mesh.StatusSent, own[0].Status)
}

func TestSend_StatusEventsInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)
	h.radio.AckDelivered(true)

	ch, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)

	msg, err := h.node.SendChannelMessage(ctx, ch.ID, "acked")
	require.NoError(t, err)
	assert.Equal(t, mesh.StatusDelivered, msg.Status)

	var seen []mesh.MessageStatus
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, h.sub, events.KindMessageStatusChanged).(events.MessageStatusChanged)
		assert.Equal(t, msg.ID, ev.Message.ID)
		if i > 0 {
			assert.Equal(t, seen[i-1], ev.Previous)
		}
		seen = append(seen, ev.Message.Status)
	}
	assert.Equal(t, []mesh.MessageStatus{mesh.StatusPending, mesh.StatusSent, mesh.StatusDelivered}, seen)
}

func TestSend_TransportFailurePersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)

	ch, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	h.radio.FailSend(errors.New("tx buffer full"))

	msg, err := h.node.SendChannelMessage(ctx, ch.ID, "lost")
	require.NoError(t, err, "transport failures surface in the message status")
	assert.Equal(t, mesh.StatusFailed, msg.Status)
	assert.Equal(t, mesh.ReasonTransportError, msg.FailureReason)

	history, err := h.node.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, mesh.StatusFailed, history[0].Status)
	assert.Equal(t, mesh.ReasonTransportError, history[0].FailureReason)

	assert.Equal(t, uint64(1), h.node.Recorder().Snapshot().MessagesFailed)
	assert.Equal(t, session.StateRunning, h.node.State(), "a failed send does not degrade the session")
}

func TestSend_TimeoutIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha", func(c *Config) { c.SendTimeout = 50 * time.Millisecond })
	h.start(t)

	ch, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	h.radio.SetSendDelay(5 * time.Second)

	start := time.Now()
	msg, err := h.node.SendChannelMessage(ctx, ch.ID, "slow")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, mesh.StatusFailed, msg.Status)
	assert.Equal(t, mesh.ReasonTimeout, msg.FailureReason)

	history, err := h.node.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, mesh.ReasonTimeout, history[0].FailureReason)
}

func TestSend_ValidationCreatesNoMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)

	ch, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	drain(h.sub)

	tests := []struct {
		name string
		send func() error
		want error
	}{
		{"empty", func() error {
			_, err := h.node.SendChannelMessage(ctx, ch.ID, "")
			return err
		}, session.ErrEmptyMessage},
		{"whitespace", func() error {
			_, err := h.node.SendChannelMessage(ctx, ch.ID, "   \t")
			return err
		}, session.ErrEmptyMessage},
		{"too long", func() error {
			_, err := h.node.SendChannelMessage(ctx, ch.ID, strings.Repeat("x", packet.MaxTextLen+1))
			return err
		}, session.ErrMessageTooLong},
		{"unknown channel", func() error {
			_, err := h.node.SendChannelMessage(ctx, "public-ffffffffffffffff", "hi")
			return err
		}, session.ErrUnknownChannel},
		{"unknown contact", func() error {
			_, err := h.node.SendDirectMessage(ctx, "nobody", "hi")
			return err
		}, session.ErrUnknownContact},
		{"empty direct", func() error {
			peer := newTestIdentity(t)
			_, err := h.node.SendDirectMessage(ctx, peer.NodeID(), "")
			return err
		}, session.ErrEmptyMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.send(), tt.want)
		})
	}

	history, err := h.node.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, h.radio.TxLog())
	expectQuiet(t, h.sub, 50*time.Millisecond)

	msg, err := h.node.SendChannelMessage(ctx, ch.ID, strings.Repeat("x", packet.MaxTextLen))
	require.NoError(t, err, "exactly the limit is accepted")
	assert.Equal(t, mesh.StatusSent, msg.Status)
}

func TestSend_DirectMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	alpha := newHarness(t, "alpha")
	bravo := newHarness(t, "bravo")
	alpha.start(t)
	bravo.start(t)

	// bravo learns alpha from its advert
	require.NoError(t, alpha.node.SendAdvert(ctx))
	alpha.relayLast(t, bravo)
	upsert := nextEvent(t, bravo.sub, events.KindContactUpserted).(events.ContactUpserted)
	assert.True(t, upsert.Created)
	assert.Equal(t, "alpha", upsert.Contact.Name)

	sent, err := bravo.node.SendDirectMessage(ctx, "alpha", "psst")
	require.NoError(t, err)
	assert.Equal(t, mesh.StatusSent, sent.Status)
	assert.Equal(t, alpha.node.Identity().NodeID, sent.PeerID)
	assert.Empty(t, sent.ChannelID)

	bravo.relayLast(t, alpha)
	ev := nextEvent(t, alpha.sub, events.KindMessageReceived).(events.MessageReceived)
	assert.Equal(t, "psst", ev.Message.Content)
	assert.Equal(t, bravo.node.Identity().NodeID, ev.Message.PeerID)
	assert.Equal(t, "bravo", ev.Message.SenderName)
	require.NotNil(t, ev.Contact)
	assert.Equal(t, "bravo", ev.Contact.Name)

	// Reply by node id; the second message does not recreate the contact
	_, err = alpha.node.SendDirectMessage(ctx, bravo.node.Identity().NodeID, "ack")
	require.NoError(t, err)
	alpha.relayLast(t, bravo)
	reply := nextEvent(t, bravo.sub, events.KindMessageReceived).(events.MessageReceived)
	assert.Equal(t, "ack", reply.Message.Content)
	assert.Nil(t, reply.Contact)

	convo, err := alpha.node.History(ctx, mesh.PeerTarget(bravo.node.Identity().NodeID), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, convo, 2)
	assert.Equal(t, mesh.DirectionReceived, convo[0].Direction)
	assert.Equal(t, mesh.DirectionSent, convo[1].Direction)
}

func TestSend_DirectToUnheardPublicKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)

	peer := newTestIdentity(t)
	msg, err := h.node.SendDirectMessage(ctx, strings.ToUpper(peer.NodeID()), "cold call")
	require.NoError(t, err)
	assert.Equal(t, peer.NodeID(), msg.PeerID)

	frame, err := packet.Decode(h.radio.TxLog()[0])
	require.NoError(t, err)
	assert.Equal(t, packet.TypeDirectText, frame.Type)
	assert.Equal(t, peer.Hash(), frame.DestHash)

	plaintext, err := peer.OpenFrom(frame.SenderKey, frame.Nonce, frame.Ciphertext)
	require.NoError(t, err)
	body, err := packet.UnmarshalBody(plaintext)
	require.NoError(t, err)
	assert.Equal(t, "cold call", body.Text)
	assert.Equal(t, "alpha", body.SenderName)
}

func TestSend_Advert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)

	require.NoError(t, h.node.SendAdvert(ctx))
	log := h.radio.TxLog()
	require.Len(t, log, 1)

	frame, err := packet.Decode(log[0])
	require.NoError(t, err)
	assert.Equal(t, packet.TypeAdvert, frame.Type)
	assert.Equal(t, "alpha", frame.Name)
	assert.Equal(t, h.node.identity.PublicKey(), frame.SenderKey)
	assert.Equal(t, uint64(1), h.node.Recorder().Snapshot().AdvertsSent)

	h.radio.FailSend(errors.New("busy"))
	assert.Error(t, h.node.SendAdvert(ctx))
}
