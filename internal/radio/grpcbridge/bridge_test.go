package grpcbridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/radio/mock"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	radio  *mock.Radio
	server *TransportServer
	client *Client

	mu     sync.Mutex
	params map[string]interface{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	h := &harness{radio: mock.New(mock.Config{Seed: 7})}
	h.server = NewTransportServer(h.radio)
	h.server.OnConfigure = func(p map[string]interface{}) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.params = p
	}

	srv := grpc.NewServer()
	RegisterRadioServer(srv, h.server)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewClient(Config{
		Address: "passthrough:///bufnet",
		Params:  map[string]interface{}{"frequency": 869.525, "spreading_factor": 11, "region": "EU"},
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	h.client = client
	t.Cleanup(func() {
		client.Stop(context.Background())
		h.radio.Stop(context.Background())
	})
	return h
}

func TestBridge_ConfigureSendReceive(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.client.Initialize(ctx))
	h.mu.Lock()
	assert.Equal(t, 869.525, h.params["frequency"])
	assert.Equal(t, "EU", h.params["region"])
	h.mu.Unlock()

	h.radio.AckDelivered(true)
	ack, err := h.client.Send(ctx, []byte("outbound"))
	require.NoError(t, err)
	assert.True(t, ack.Delivered)
	assert.Equal(t, [][]byte{[]byte("outbound")}, h.radio.TxLog())

	frames, _ := h.client.Receive(ctx)
	require.NoError(t, h.radio.Inject(transport.Frame{Data: []byte("inbound"), RSSI: -97, SNR: -3.25}))

	select {
	case f := <-frames:
		assert.Equal(t, []byte("inbound"), f.Data)
		assert.Equal(t, -97, f.RSSI)
		assert.Equal(t, -3.25, f.SNR)
	case <-ctx.Done():
		t.Fatal("no frame received over the bridge")
	}
}

func TestBridge_InitFailure(t *testing.T) {
	h := newHarness(t)
	h.radio.FailInit(errors.New("spi bus error"))

	err := h.client.Initialize(context.Background())
	assert.ErrorIs(t, err, transport.ErrInit)
}

func TestBridge_SendFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Initialize(context.Background()))
	h.radio.FailSend(errors.New("channel busy"))

	_, err := h.client.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrSend)
}

func TestBridge_ReceiveErrorOnDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.client.Initialize(ctx))

	frames, errs := h.client.Receive(ctx)
	// Give the stream a moment to attach before breaking the radio
	time.Sleep(50 * time.Millisecond)
	h.radio.Disconnect(errors.New("radio reset"))

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "radio reset")
	case <-ctx.Done():
		t.Fatal("expected a receive error")
	}
	for range frames {
	}
}

func TestBridge_StoppedClient(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrStopped)

	frames, errs := h.client.Receive(context.Background())
	_, ok := <-frames
	assert.False(t, ok)
	assert.ErrorIs(t, <-errs, transport.ErrStopped)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	in := transport.Frame{Data: []byte{0xca, 0xfe}, RSSI: -120, SNR: 14.75}
	out, err := DecodeEnvelope(EncodeEnvelope(in))
	require.NoError(t, err)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, in.RSSI, out.RSSI)
	assert.Equal(t, in.SNR, out.SNR)

	_, err = DecodeEnvelope([]byte{0xff})
	assert.Error(t, err)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrEmptyAddress)

	_, err = NewClient(Config{Address: "x", Params: map[string]interface{}{"bad": make(chan int)}})
	assert.Error(t, err)
}
