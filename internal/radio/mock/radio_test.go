package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/packet"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func started(t *testing.T, cfg Config) *Radio {
	t.Helper()
	r := New(cfg)
	require.NoError(t, r.Initialize(context.Background()))
	t.Cleanup(func() { r.Stop(context.Background()) })
	return r
}

func TestRadio_InjectAndReceive(t *testing.T) {
	r := started(t, Config{Seed: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Inject(transport.Frame{Data: []byte{1, 2, 3}}))
	require.NoError(t, r.Inject(transport.Frame{Data: []byte{4}, RSSI: -50, SNR: 2.5}))

	frames, _ := r.Receive(ctx)
	first := <-frames
	second := <-frames

	assert.Equal(t, []byte{1, 2, 3}, first.Data)
	assert.GreaterOrEqual(t, first.RSSI, MinRSSI)
	assert.LessOrEqual(t, first.RSSI, MaxRSSI)
	assert.False(t, first.ReceivedAt.IsZero())
	assert.Equal(t, -50, second.RSSI)
	assert.Equal(t, 2.5, second.SNR)
}

func TestRadio_ReceiveClosesOnCancel(t *testing.T) {
	r := started(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	frames, _ := r.Receive(ctx)
	cancel()

	select {
	case _, ok := <-frames:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("frame channel not closed after cancel")
	}
}

func TestRadio_SendLogsAndAcks(t *testing.T) {
	r := started(t, Config{})
	r.AckDelivered(true)

	ack, err := r.Send(context.Background(), []byte("frame"))
	require.NoError(t, err)
	assert.True(t, ack.Delivered)
	assert.Equal(t, [][]byte{[]byte("frame")}, r.TxLog())
}

func TestRadio_FailureInjection(t *testing.T) {
	r := New(Config{})
	r.FailInit(errors.New("no spi"))
	err := r.Initialize(context.Background())
	assert.ErrorIs(t, err, transport.ErrInit)

	r.FailInit(nil)
	require.NoError(t, r.Initialize(context.Background()))
	defer r.Stop(context.Background())

	r.FailNextSends(2, errors.New("busy"))
	for i := 0; i < 2; i++ {
		_, err := r.Send(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, transport.ErrSend)
	}
	_, err = r.Send(context.Background(), []byte("ok"))
	assert.NoError(t, err)

	r.FailSend(errors.New("antenna"))
	_, err = r.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrSend)
	assert.Len(t, r.TxLog(), 1)
}

func TestRadio_SendDelayHonoursDeadline(t *testing.T) {
	r := started(t, Config{})
	r.SetSendDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Send(ctx, []byte("slow"))
	assert.ErrorIs(t, err, transport.ErrSend)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, r.TxLog())
}

func TestRadio_Disconnect(t *testing.T) {
	r := started(t, Config{})
	frames, errs := r.Receive(context.Background())

	r.Disconnect(errors.New("usb unplugged"))

	select {
	case err := <-errs:
		assert.EqualError(t, err, "usb unplugged")
	case <-time.After(time.Second):
		t.Fatal("expected receive error")
	}
	_, ok := <-frames
	assert.False(t, ok)
}

func TestRadio_StoppedRadio(t *testing.T) {
	r := New(Config{})
	_, err := r.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrStopped)
	assert.ErrorIs(t, r.Inject(transport.Frame{}), transport.ErrStopped)

	frames, errs := r.Receive(context.Background())
	_, ok := <-frames
	assert.False(t, ok)
	assert.ErrorIs(t, <-errs, transport.ErrStopped)

	assert.NoError(t, r.Stop(context.Background()))
}

func TestRadio_FakeTrafficEmitsAdverts(t *testing.T) {
	r := started(t, Config{FakeTraffic: true, TrafficInterval: 5 * time.Millisecond, Seed: 42})
	frames, _ := r.Receive(context.Background())

	select {
	case f := <-frames:
		decoded, err := packet.Decode(f.Data)
		require.NoError(t, err)
		assert.Equal(t, packet.TypeAdvert, decoded.Type)
		assert.Contains(t, fakeNodeNames, decoded.Name)
		assert.GreaterOrEqual(t, f.SNR, MinSNR)
		assert.LessOrEqual(t, f.SNR, MaxSNR)
	case <-time.After(2 * time.Second):
		t.Fatal("no synthetic frame")
	}
}
