// Package eventbus fans domain events out to subscribers.
//
// Each subscriber owns a bounded queue. When a queue is full the oldest queued
// event is discarded and counted so the publisher never blocks; the events
// that survive keep their publish order.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 256

// Bus is a multi-subscriber event bus. It is safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

// New creates an open bus
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is one consumer's view of the bus
type Subscription struct {
	bus     *Bus
	ch      chan events.Event
	kinds   map[events.Kind]struct{} // nil means every kind
	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// Option configures a subscription
type Option func(*subscribeOptions)

type subscribeOptions struct {
	buffer int
	kinds  []events.Kind
}

// WithBuffer sets the queue length of the subscription
func WithBuffer(n int) Option {
	return func(o *subscribeOptions) {
		o.buffer = n
	}
}

// WithKinds restricts the subscription to the given event kinds
func WithKinds(kinds ...events.Kind) Option {
	return func(o *subscribeOptions) {
		o.kinds = append(o.kinds, kinds...)
	}
}

// Subscribe registers a new subscriber. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe(opts ...Option) *Subscription {
	o := subscribeOptions{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buffer <= 0 {
		o.buffer = 1
	}

	sub := &Subscription{
		bus: b,
		ch:  make(chan events.Event, o.buffer),
	}
	if len(o.kinds) > 0 {
		sub.kinds = make(map[events.Kind]struct{}, len(o.kinds))
		for _, k := range o.kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers the events, in order, to every subscriber. The whole call
// is one unit: events from concurrent Publish calls are never interleaved
// within it. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(evs ...events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		for _, ev := range evs {
			if sub.accepts(ev.Kind()) {
				b.enqueueLocked(sub, ev)
			}
		}
	}
}

func (b *Bus) enqueueLocked(sub *Subscription, ev events.Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		// Full: discard the oldest queued event. The consumer may drain the
		// queue concurrently, in which case the next send succeeds.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of events discarded across all subscriptions
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of open subscriptions
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
	}
	b.subs = nil
}

func (s *Subscription) accepts(kind events.Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Events returns the channel events are delivered on. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// Dropped returns the number of events this subscription lost to overflow
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}
