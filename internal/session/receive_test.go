package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/identity"
	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/internal/packet"
	"github.com/rmacdonaldsmith/meshcore-go/internal/store/memory"
	"github.com/rmacdonaldsmith/meshcore-go/internal/store/sqlstore"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/store"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupFrame(t *testing.T, key []byte, sender *identity.Identity, name, text string) []byte {
	t.Helper()
	body := packet.Body{
		SenderKey:  sender.PublicKey(),
		SenderName: name,
		Timestamp:  time.Now().UnixMilli(),
		Text:       text,
	}
	nonce, ciphertext, err := meshcrypto.SealGroup(key, body.Marshal())
	require.NoError(t, err)
	f := packet.Frame{
		Type:        packet.TypeGroupText,
		ChannelHash: meshcrypto.KeyHash(key),
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}
	data, err := f.Encode()
	require.NoError(t, err)
	return data
}

func advertFrame(t *testing.T, sender *identity.Identity, name string) []byte {
	t.Helper()
	f := packet.Frame{
		Type:      packet.TypeAdvert,
		SenderKey: sender.PublicKey(),
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := f.Encode()
	require.NoError(t, err)
	return data
}

// waitReceived blocks until the node has consumed n frames
func waitReceived(t *testing.T, h *harness, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.node.Recorder().Snapshot().FramesReceived >= n
	}, eventTimeout, 5*time.Millisecond)
}

func TestReceive_GroupFrameOneEventOneRow(t *testing.T) {
	ctx := context.Background()
	st, err := sqlstore.Open(ctx, sqlstore.NewConfig(sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "meshcore.db")))
	require.NoError(t, err)

	h := newHarness(t, "alpha", withStore(st))
	h.start(t)
	ch, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	drain(h.sub)

	stranger := newTestIdentity(t)
	require.NoError(t, h.radio.Inject(transport.Frame{
		Data: groupFrame(t, ch.Key, stranger, "stranger", "anyone out there?"),
		RSSI: -97,
		SNR:  -2.25,
	}))

	ev := nextEvent(t, h.sub, events.KindMessageReceived).(events.MessageReceived)
	assert.Equal(t, "anyone out there?", ev.Message.Content)
	require.NotNil(t, ev.Contact)
	assert.Equal(t, stranger.NodeID(), ev.Contact.NodeID)
	assert.Equal(t, -97, ev.Contact.RSSI)
	assert.InDelta(t, -2.25, ev.Contact.SNR, 0.001)
	expectQuiet(t, h.sub, 100*time.Millisecond)

	rows, err := st.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ev.Message.ID, rows[0].ID)
	assert.Equal(t, mesh.StatusDelivered, rows[0].Status)

	contacts, err := st.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "stranger", contacts[0].Name)
	assert.Equal(t, stranger.PublicKey(), contacts[0].PublicKey)
}

func TestReceive_DropsUnreadableFrames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)
	_, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	drain(h.sub)

	stranger := newTestIdentity(t)
	other := newTestIdentity(t)

	// Sealed to someone else
	nonce, ciphertext, err := stranger.SealTo(other.PublicKey(), (&packet.Body{Text: "not yours"}).Marshal())
	require.NoError(t, err)
	direct := packet.Frame{
		Type:       packet.TypeDirectText,
		DestHash:   h.node.identity.Hash() + 1,
		SenderKey:  stranger.PublicKey(),
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	directData, err := direct.Encode()
	require.NoError(t, err)

	// Right hash byte, wrong recipient key
	direct.DestHash = h.node.identity.Hash()
	collidingData, err := direct.Encode()
	require.NoError(t, err)

	frames := [][]byte{
		{0xde, 0xad, 0xbe, 0xef},
		groupFrame(t, []byte("0123456789abcdef"), stranger, "stranger", "secret club"),
		directData,
		collidingData,
	}
	for _, data := range frames {
		require.NoError(t, h.radio.Inject(transport.Frame{Data: data}))
	}

	waitReceived(t, h, uint64(len(frames)))
	require.Eventually(t, func() bool {
		return h.node.Recorder().Snapshot().FramesDropped == uint64(len(frames))
	}, eventTimeout, 5*time.Millisecond)
	expectQuiet(t, h.sub, 50*time.Millisecond)
	assert.Empty(t, h.node.Contacts())
}

func TestReceive_IgnoresOwnFrames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)
	ch, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)

	_, err = h.node.SendChannelMessage(ctx, ch.ID, "echo")
	require.NoError(t, err)
	require.NoError(t, h.node.SendAdvert(ctx))
	drain(h.sub)

	for _, data := range h.radio.TxLog() {
		require.NoError(t, h.radio.Inject(transport.Frame{Data: data}))
	}
	waitReceived(t, h, 2)
	expectQuiet(t, h.sub, 50*time.Millisecond)

	history, err := h.node.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "the echo is not stored as a received message")
	assert.Empty(t, h.node.Contacts())
}

func TestReceive_AdvertUpdatesContact(t *testing.T) {
	h := newHarness(t, "alpha")
	h.start(t)
	peer := newTestIdentity(t)

	require.NoError(t, h.radio.Inject(transport.Frame{Data: advertFrame(t, peer, "hilltop"), RSSI: -110, SNR: 1}))
	first := nextEvent(t, h.sub, events.KindContactUpserted).(events.ContactUpserted)
	assert.True(t, first.Created)
	assert.Equal(t, "hilltop", first.Contact.Name)

	require.NoError(t, h.radio.Inject(transport.Frame{Data: advertFrame(t, peer, "hilltop-2"), RSSI: -60, SNR: 9}))
	second := nextEvent(t, h.sub, events.KindContactUpserted).(events.ContactUpserted)
	assert.False(t, second.Created)
	assert.Equal(t, "hilltop-2", second.Contact.Name)
	assert.Equal(t, -60, second.Contact.RSSI)
	assert.False(t, second.Contact.LastSeen.Before(first.Contact.LastSeen))

	contacts := h.node.Contacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, "hilltop-2", contacts[0].Name)

	stored, err := h.store.ListContacts(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hilltop-2", stored[0].Name)
}

func TestReceive_PrivateChannelsWithSameName(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)

	keyA := []byte("aaaaaaaaaaaaaaaa")
	keyB := []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	chA, err := h.node.AddPrivateChannel(ctx, "ops", keyA)
	require.NoError(t, err)
	chB, err := h.node.AddPrivateChannel(ctx, "ops", keyB)
	require.NoError(t, err)
	require.NotEqual(t, chA.ID, chB.ID)

	stranger := newTestIdentity(t)
	require.NoError(t, h.radio.Inject(transport.Frame{Data: groupFrame(t, keyB, stranger, "s", "for b")}))

	ev := nextEvent(t, h.sub, events.KindMessageReceived).(events.MessageReceived)
	assert.Equal(t, chB.ID, ev.Message.ChannelID)

	historyA, err := h.node.History(ctx, mesh.ChannelTarget(chA.ID), time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, historyA)
}

func TestReceive_RemovedChannelStopsDecoding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)
	ch, err := h.node.AddPublicChannel(ctx, "#meshtest")
	require.NoError(t, err)
	require.NoError(t, h.node.RemoveChannel(ctx, ch.ID))
	drain(h.sub)

	stranger := newTestIdentity(t)
	require.NoError(t, h.radio.Inject(transport.Frame{Data: groupFrame(t, ch.Key, stranger, "s", "late")}))
	waitReceived(t, h, 1)
	expectQuiet(t, h.sub, 50*time.Millisecond)
}

// slowInboundStore holds the first RecordInbound until released and then
// fails with the context error if its context was cancelled meanwhile, the
// way a database driver would.
type slowInboundStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowInboundStore) RecordInbound(ctx context.Context, msg mesh.Message, c *mesh.Contact) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.RecordInbound(ctx, msg, c)
}

func TestReceive_StopDuringWriteKeepsMessage(t *testing.T) {
	ctx := context.Background()
	st := &slowInboundStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, "alpha", withStore(st))
	h.start(t)
	ch, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	drain(h.sub)

	stranger := newTestIdentity(t)
	require.NoError(t, h.radio.Inject(transport.Frame{Data: groupFrame(t, ch.Key, stranger, "s", "last words")}))
	select {
	case <-st.entered:
	case <-time.After(eventTimeout):
		t.Fatal("Timed out waiting for the inbound write")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.node.Stop(ctx) }()
	select {
	case err := <-stopped:
		t.Fatalf("Expected Stop to wait for the in-flight write, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(st.release)
	require.NoError(t, <-stopped)

	ev := nextEvent(t, h.sub, events.KindMessageReceived).(events.MessageReceived)
	assert.Equal(t, "last words", ev.Message.Content)

	stored, err := st.Store.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1, "the decoded message must reach the store")
	assert.Equal(t, ev.Message.ID, stored[0].ID)
	assert.False(t, h.node.Health().PersistenceDegraded)
}

func TestReceive_DropsInvalidBodies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha")
	h.start(t)
	ch, err := h.node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	drain(h.sub)

	stranger := newTestIdentity(t)
	frames := [][]byte{
		groupFrame(t, ch.Key, stranger, "s", "   "),
		groupFrame(t, ch.Key, stranger, "s", strings.Repeat("x", packet.MaxTextLen+1)),
		groupFrame(t, ch.Key, stranger, "s", "bad \xff byte"),
		groupFrame(t, ch.Key, stranger, strings.Repeat("n", 300), "hello"),
	}
	for _, data := range frames {
		require.NoError(t, h.radio.Inject(transport.Frame{Data: data}))
	}
	waitReceived(t, h, uint64(len(frames)))
	require.Eventually(t, func() bool {
		return h.node.Recorder().Snapshot().FramesDropped == uint64(len(frames))
	}, eventTimeout, 5*time.Millisecond)

	expectQuiet(t, h.sub, 50*time.Millisecond)
	history, err := h.node.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, h.node.Contacts(), "an invalid frame must not create a contact")
}
