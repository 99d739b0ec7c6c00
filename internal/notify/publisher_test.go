package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rmacdonaldsmith/meshcore-go/internal/eventbus"
	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, limit int) (*Publisher, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	p, err := NewPublisher(rdb, Config{Prefix: "test", RecentLimit: limit, Logger: logging.Discard()})
	require.NoError(t, err)
	return p, rdb, mr
}

func received(i int) events.MessageReceived {
	return events.MessageReceived{Message: mesh.Message{
		ID:        fmt.Sprintf("m%d", i),
		Timestamp: time.Unix(1700000000+int64(i), 0).UTC(),
		SenderID:  "peer",
		ChannelID: "public-0011223344556677",
		Content:   fmt.Sprintf("hello %d", i),
		Direction: mesh.DirectionReceived,
		Status:    mesh.StatusDelivered,
	}}
}

func TestNewPublisher_NilClient(t *testing.T) {
	_, err := NewPublisher(nil, Config{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestPublish_ChannelAndRecent(t *testing.T) {
	ctx := context.Background()
	p, rdb, _ := newTestPublisher(t, 10)

	ps := rdb.Subscribe(ctx, p.EventChannel(events.KindMessageReceived))
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	ev := received(1)
	require.NoError(t, p.Publish(ctx, ev))

	select {
	case msg := <-ps.Channel():
		assert.Equal(t, "test:events:message_received", msg.Channel)
		decoded, err := events.Unmarshal([]byte(msg.Payload))
		require.NoError(t, err)
		assert.Equal(t, ev, decoded)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for pub/sub message")
	}

	recent, err := p.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "m1", recent[0].ID)

	published, failed := p.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(0), failed)
}

func TestPublish_RecentIsTrimmed(t *testing.T) {
	ctx := context.Background()
	p, rdb, _ := newTestPublisher(t, 3)

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Publish(ctx, received(i)))
	}

	n, err := rdb.LLen(ctx, p.RecentKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	recent, err := p.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"m5", "m4", "m3"}, []string{recent[0].ID, recent[1].ID, recent[2].ID})
}

func TestPublish_OnlyFinishedMessagesAreRecent(t *testing.T) {
	ctx := context.Background()
	p, rdb, _ := newTestPublisher(t, 10)

	msg := mesh.Message{ID: "out", ChannelID: "public-0011223344556677", Direction: mesh.DirectionSent, Status: mesh.StatusPending}
	require.NoError(t, p.Publish(ctx, events.MessageStatusChanged{Message: msg}))

	msg.Status = mesh.StatusSent
	require.NoError(t, p.Publish(ctx, events.MessageStatusChanged{Message: msg, Previous: mesh.StatusPending}))

	msg.Status = mesh.StatusDelivered
	require.NoError(t, p.Publish(ctx, events.MessageStatusChanged{Message: msg, Previous: mesh.StatusSent}))

	require.NoError(t, p.Publish(ctx, events.ChannelChanged{Channel: mesh.Channel{ID: "x"}, Change: events.ChannelAdded}))

	n, err := rdb.LLen(ctx, p.RecentKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	published, _ := p.Stats()
	assert.Equal(t, uint64(4), published)
}

func TestPublish_RedisDownIsCounted(t *testing.T) {
	p, _, mr := newTestPublisher(t, 10)
	mr.Close()

	err := p.Publish(context.Background(), received(1))
	assert.Error(t, err)
	_, failed := p.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestRun_ForwardsBusEvents(t *testing.T) {
	p, rdb, _ := newTestPublisher(t, 10)
	bus := eventbus.New()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		p.Run(ctx, sub)
		close(done)
	}()

	bus.Publish(received(1), received(2))
	require.Eventually(t, func() bool {
		published, _ := p.Stats()
		return published == 2
	}, 2*time.Second, 10*time.Millisecond)

	n, err := rdb.LLen(context.Background(), p.RecentKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_StopsWhenSubscriptionCloses(t *testing.T) {
	p, _, _ := newTestPublisher(t, 10)
	bus := eventbus.New()
	sub := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), sub)
		close(done)
	}()

	sub.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the subscription closed")
	}
}
