package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/identity"
	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/internal/radio/mock"
	"github.com/rmacdonaldsmith/meshcore-go/internal/store/memory"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/store"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
)

const eventTimeout = 2 * time.Second

// harness is one session wired to a mock radio
type harness struct {
	node  *Node
	radio *mock.Radio
	store store.Store
	sub   events.Subscription
}

type harnessOption func(*Config)

func withStore(st store.Store) harnessOption {
	return func(c *Config) { c.Store = st }
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.NewStore(filepath.Join(t.TempDir(), "identity.key")).LoadOrCreate()
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	return id
}

// newHarness creates a stopped node named name. The subscription is taken
// before anything happens so no event is missed.
func newHarness(t *testing.T, name string, opts ...harnessOption) *harness {
	t.Helper()

	radio := mock.New(mock.Config{Seed: 1, Logger: logging.Discard()})
	config := NewConfig(newTestIdentity(t), radio, memory.New()).
		WithNodeName(name).
		WithSendTimeout(time.Second).
		WithLogger(logging.Discard())
	for _, opt := range opts {
		opt(config)
	}

	node, err := NewNode(context.Background(), config)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	h := &harness{node: node, radio: radio, store: config.Store, sub: node.Subscribe()}
	t.Cleanup(func() {
		_ = node.Close()
		_ = config.Store.Close()
	})
	return h
}

// start brings the node up and consumes the Initializing and Running events
func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.node.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}
	waitTransport(t, h.sub, session.StateRunning)
}

// relayLast delivers the most recent frame h transmitted to other's radio
func (h *harness) relayLast(t *testing.T, other *harness) {
	t.Helper()
	log := h.radio.TxLog()
	if len(log) == 0 {
		t.Fatal("Nothing transmitted")
	}
	if err := other.radio.Inject(transport.Frame{Data: log[len(log)-1], RSSI: -80, SNR: 7.5}); err != nil {
		t.Fatalf("Failed to inject frame: %v", err)
	}
}

// nextEvent returns the next event of kind, skipping others
func nextEvent(t *testing.T, sub events.Subscription, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("Subscription closed waiting for %s", kind)
			}
			if ev.Kind() == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", kind)
		}
	}
}

func waitTransport(t *testing.T, sub events.Subscription, state session.State) events.TransportStatusChanged {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("Subscription closed waiting for transport state %s", state)
			}
			if ts, isTS := ev.(events.TransportStatusChanged); isTS && ts.State == state.String() {
				return ts
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for transport state %s", state)
		}
	}
}

// expectQuiet fails if any event arrives within d
func expectQuiet(t *testing.T, sub events.Subscription, d time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("Unexpected event %s: %+v", ev.Kind(), ev)
		}
	case <-time.After(d):
	}
}

// drain discards every queued event
func drain(sub events.Subscription) {
	for {
		select {
		case <-sub.Events():
		default:
			return
		}
	}
}

func waitState(t *testing.T, n *Node, want session.State) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		if n.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected state %s, got %s", want, n.State())
}
