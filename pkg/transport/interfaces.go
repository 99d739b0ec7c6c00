package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInit marks a failure to bring the radio up
	ErrInit = errors.New("transport initialization failed")
	// ErrSend marks a failure to transmit a single frame
	ErrSend = errors.New("transport send failed")
	// ErrStopped is returned by operations on a stopped transport
	ErrStopped = errors.New("transport stopped")
)

// Frame is one raw packet heard by the radio
type Frame struct {
	Data       []byte
	RSSI       int
	SNR        float64
	ReceivedAt time.Time
}

// Ack is the outcome of a successful transmit
type Ack struct {
	// Delivered is set when the radio confirmed delivery to the next hop
	Delivered bool
}

// Transport is the contract between a session and a radio, real or simulated.
//
// A transport may be initialized again after Stop.
type Transport interface {
	// Initialize brings the radio up. Failures wrap ErrInit.
	Initialize(ctx context.Context) error

	// Send transmits one encoded frame. Failures wrap ErrSend.
	// Send honours ctx cancellation and deadlines.
	Send(ctx context.Context, frame []byte) (Ack, error)

	// Receive returns the inbound frame stream and an error stream.
	// The frame channel is closed when ctx is done or the transport stops.
	// A value on the error channel means the receive side is broken.
	Receive(ctx context.Context) (<-chan Frame, <-chan error)

	// Stop shuts the radio down
	Stop(ctx context.Context) error
}
