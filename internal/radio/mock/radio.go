// Package mock provides an in-process radio for tests and demos.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/internal/packet"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Signal ranges reported for every synthetic frame
const (
	MinRSSI = -120
	MaxRSSI = -40
	MinSNR  = -5.0
	MaxSNR  = 15.0
)

// Config holds configuration for the mock radio
type Config struct {
	// FakeTraffic starts a generator that emits synthetic adverts
	FakeTraffic bool
	// TrafficInterval is the gap between synthetic frames
	TrafficInterval time.Duration
	// Seed feeds the generator and the signal values; zero uses the clock
	Seed int64
	// InboxSize bounds frames injected before they are received
	InboxSize int
	Logger    logrus.FieldLogger
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.TrafficInterval <= 0 {
		c.TrafficInterval = 15 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// session is the state of one Initialize..Stop cycle
type session struct {
	inbox chan transport.Frame
	errs  chan error
	done  chan struct{}
}

// Radio implements transport.Transport in memory
type Radio struct {
	config Config
	logger logrus.FieldLogger

	mu           sync.Mutex
	sess         *session
	rng          *rand.Rand
	initErr      error
	sendErr      error
	failNext     int
	failNextErr  error
	sendDelay    time.Duration
	ackDelivered bool
	txLog        [][]byte
	initCount    int
	wg           sync.WaitGroup
}

// New creates a stopped mock radio
func New(config Config) *Radio {
	config.SetDefaults()
	return &Radio{
		config: config,
		logger: logging.Component(config.Logger, "mock-radio"),
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Initialize starts a new radio session
func (r *Radio) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInit, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.initCount++
	if r.initErr != nil {
		return fmt.Errorf("%w: %v", transport.ErrInit, r.initErr)
	}
	if r.sess != nil {
		return nil
	}

	r.sess = &session{
		inbox: make(chan transport.Frame, r.config.InboxSize),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	if r.config.FakeTraffic {
		r.wg.Add(1)
		go r.generate(r.sess)
	}
	r.logger.Info("Mock radio initialized")
	return nil
}

// Send records the frame in the transmit log
func (r *Radio) Send(ctx context.Context, frame []byte) (transport.Ack, error) {
	r.mu.Lock()
	sess := r.sess
	delay := r.sendDelay
	r.mu.Unlock()

	if sess == nil {
		return transport.Ack{}, fmt.Errorf("%w: %w", transport.ErrSend, transport.ErrStopped)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return transport.Ack{}, fmt.Errorf("%w: %w", transport.ErrSend, ctx.Err())
		case <-sess.done:
			timer.Stop()
			return transport.Ack{}, fmt.Errorf("%w: %w", transport.ErrSend, transport.ErrStopped)
		}
	} else if err := ctx.Err(); err != nil {
		return transport.Ack{}, fmt.Errorf("%w: %w", transport.ErrSend, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failNext > 0 {
		r.failNext--
		return transport.Ack{}, fmt.Errorf("%w: %v", transport.ErrSend, r.failNextErr)
	}
	if r.sendErr != nil {
		return transport.Ack{}, fmt.Errorf("%w: %v", transport.ErrSend, r.sendErr)
	}
	r.txLog = append(r.txLog, append([]byte(nil), frame...))
	return transport.Ack{Delivered: r.ackDelivered}, nil
}

// Receive streams frames for the current session until ctx is done or the
// radio stops.
func (r *Radio) Receive(ctx context.Context) (<-chan transport.Frame, <-chan error) {
	out := make(chan transport.Frame)
	errOut := make(chan error, 1)

	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()

	if sess == nil {
		close(out)
		errOut <- transport.ErrStopped
		return out, errOut
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.done:
				return
			case err := <-sess.errs:
				select {
				case errOut <- err:
				default:
				}
				return
			case f := <-sess.inbox:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				case <-sess.done:
					return
				}
			}
		}
	}()
	return out, errOut
}

// Stop ends the current session. It is idempotent.
func (r *Radio) Stop(ctx context.Context) error {
	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	if sess == nil {
		return nil
	}
	close(sess.done)
	r.wg.Wait()
	r.logger.Info("Mock radio stopped")
	return nil
}

// Inject queues a raw frame as if it had been heard over the air.
// Zero RSSI, SNR and ReceivedAt are filled with plausible values.
func (r *Radio) Inject(frame transport.Frame) error {
	r.mu.Lock()
	sess := r.sess
	if sess != nil {
		r.fillSignalLocked(&frame)
	}
	r.mu.Unlock()

	if sess == nil {
		return transport.ErrStopped
	}
	select {
	case sess.inbox <- frame:
		return nil
	case <-sess.done:
		return transport.ErrStopped
	default:
		return errors.New("mock radio inbox full")
	}
}

func (r *Radio) fillSignalLocked(f *transport.Frame) {
	if f.RSSI == 0 {
		f.RSSI = MinRSSI + r.rng.Intn(MaxRSSI-MinRSSI+1)
	}
	if f.SNR == 0 {
		f.SNR = MinSNR + r.rng.Float64()*(MaxSNR-MinSNR)
	}
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}
}

// Disconnect breaks the receive side of the current session with err
func (r *Radio) Disconnect(err error) {
	if err == nil {
		err = errors.New("mock radio disconnected")
	}
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return
	}
	select {
	case sess.errs <- err:
	default:
	}
}

// FailInit makes every following Initialize fail with err. nil clears it.
func (r *Radio) FailInit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initErr = err
}

// FailSend makes every following Send fail with err. nil clears it.
func (r *Radio) FailSend(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// FailNextSends makes the next n sends fail with err
func (r *Radio) FailNextSends(n int, err error) {
	if err == nil {
		err = errors.New("injected send failure")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
	r.failNextErr = err
}

// SetSendDelay delays every Send by d, honouring the caller's deadline
func (r *Radio) SetSendDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendDelay = d
}

// AckDelivered sets the Delivered flag returned by successful sends
func (r *Radio) AckDelivered(delivered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ackDelivered = delivered
}

// TxLog returns a copy of every frame sent successfully, oldest first
func (r *Radio) TxLog() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.txLog))
	for i, f := range r.txLog {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// InitCount returns how many times Initialize has been called
func (r *Radio) InitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initCount
}

// Running reports whether a session is active
func (r *Radio) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
}

var _ transport.Transport = (*Radio)(nil)

// generate emits a synthetic advert from a small pool of fake nodes every
// TrafficInterval until the session ends.
func (r *Radio) generate(sess *session) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.TrafficInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			data, err := r.fakeAdvertLocked()
			frame := transport.Frame{Data: data}
			r.fillSignalLocked(&frame)
			r.mu.Unlock()
			if err != nil {
				r.logger.WithError(err).Warn("Failed to build synthetic frame")
				continue
			}
			select {
			case sess.inbox <- frame:
			case <-sess.done:
				return
			default:
				r.logger.Debug("Mock radio inbox full, synthetic frame dropped")
			}
		}
	}
}

var fakeNodeNames = []string{"ridge-repeater", "valley-base", "trail-walker", "hut-relay", "summit-node"}

func (r *Radio) fakeAdvertLocked() ([]byte, error) {
	idx := r.rng.Intn(len(fakeNodeNames))
	// Keys are stable per fake node so repeated adverts refresh one contact
	key := make([]byte, 32)
	keyRng := rand.New(rand.NewSource(int64(idx) + 1))
	keyRng.Read(key)

	f := packet.Frame{
		Type:      packet.TypeAdvert,
		SenderKey: key,
		Name:      fakeNodeNames[idx],
		Timestamp: time.Now().UnixMilli(),
	}
	return f.Encode()
}
