// Package session implements the mesh session orchestrator.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rmacdonaldsmith/meshcore-go/internal/channels"
	"github.com/rmacdonaldsmith/meshcore-go/internal/eventbus"
	"github.com/rmacdonaldsmith/meshcore-go/internal/identity"
	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/internal/packet"
	"github.com/rmacdonaldsmith/meshcore-go/internal/telemetry"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Node implements session.Session.
//
// One goroutine owns the receive loop; sends run on the caller's goroutine.
// Every domain change is written through the journal before it is published
// on the bus, so subscribers never see an event the store has not recorded.
type Node struct {
	config    *Config
	identity  *identity.Identity
	transport transport.Transport
	registry  *channels.Registry
	journal   *journal
	bus       *eventbus.Bus
	recorder  *telemetry.Recorder
	logger    logrus.FieldLogger

	// lifecycle serializes Start, Stop and Retry
	lifecycle sync.Mutex

	mu       sync.RWMutex
	state    session.State
	since    time.Time
	lastErr  error
	loopCtx  context.Context
	cancel   context.CancelFunc
	closed   bool
	contacts map[string]mesh.Contact // node id -> contact
	loopWG   sync.WaitGroup
	sendWG   sync.WaitGroup
}

// NewNode creates a stopped session. Persisted channels and contacts are
// loaded from the store; call Start to bring the radio up.
func NewNode(ctx context.Context, config *Config) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := *config
	cfg.SetDefaults()

	n := &Node{
		config:    &cfg,
		identity:  cfg.Identity,
		transport: cfg.Transport,
		bus:       cfg.Bus,
		recorder:  cfg.Recorder,
		logger:    logging.Component(cfg.Logger, "session").WithField("node", cfg.Identity.NodeID()[:16]),
		state:     session.StateStopped,
		since:     time.Now(),
		contacts:  make(map[string]mesh.Contact),
	}
	n.journal = newJournal(cfg.Store, n.recorder, n.logger, n.persistenceDegraded)
	n.registry = channels.NewRegistry(n.journal, channels.WithLogger(cfg.Logger))

	stored, err := n.journal.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	n.registry.Restore(stored)

	known, err := n.journal.ListContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}
	for _, c := range known {
		n.contacts[c.NodeID] = c
	}

	n.logger.WithFields(logrus.Fields{
		"channels": n.registry.Len(),
		"contacts": len(n.contacts),
	}).Info("Session created")
	return n, nil
}

// Bus returns the event bus the session publishes on
func (n *Node) Bus() *eventbus.Bus {
	return n.bus
}

// Recorder returns the session's telemetry counters
func (n *Node) Recorder() *telemetry.Recorder {
	return n.recorder
}

// Start brings the transport up. It is idempotent while Running or Degraded.
func (n *Node) Start(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return session.ErrClosed
	}
	if n.state == session.StateRunning || n.state == session.StateDegraded {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	return n.initialize(ctx)
}

// initialize moves Initializing -> Running or Degraded. Callers hold lifecycle.
func (n *Node) initialize(ctx context.Context) error {
	n.transition(session.StateInitializing, nil)

	if err := n.transport.Initialize(ctx); err != nil {
		n.logger.WithError(err).Warn("Transport initialization failed, session degraded")
		n.transition(session.StateDegraded, err)
		return fmt.Errorf("%w: %w", session.ErrTransportUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	frames, errs := n.transport.Receive(loopCtx)

	n.mu.Lock()
	n.loopCtx = loopCtx
	n.cancel = cancel
	n.setStateLocked(session.StateRunning, nil)
	n.loopWG.Add(1)
	n.mu.Unlock()

	n.publish(n.transportEvent(session.StateRunning, nil))
	go n.receiveLoop(loopCtx, frames, errs)

	n.logger.Info("Session running")
	return nil
}

// Retry re-initializes the transport. Only valid while Degraded.
func (n *Node) Retry(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return session.ErrClosed
	}
	if n.state != session.StateDegraded {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("%w: state is %s", session.ErrNotDegraded, state)
	}
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.loopWG.Wait()
	n.sendWG.Wait()

	if err := n.transport.Stop(ctx); err != nil {
		n.logger.WithError(err).Debug("Stopping previous transport session failed")
	}
	n.logger.Info("Retrying transport")
	return n.initialize(ctx)
}

// Stop ends the receive loop, waits for in-flight sends and stops the
// transport. It is idempotent.
func (n *Node) Stop(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	return n.stop(ctx)
}

func (n *Node) stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state == session.StateStopped {
		n.mu.Unlock()
		return nil
	}
	cancel := n.cancel
	n.cancel = nil
	// Refuse new sends before waiting for the ones in flight
	n.setStateLocked(session.StateStopped, nil)
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.loopWG.Wait()
	n.sendWG.Wait()

	var stopErr error
	if err := n.transport.Stop(ctx); err != nil {
		stopErr = fmt.Errorf("failed to stop transport: %w", err)
		n.logger.WithError(err).Warn("Transport stop failed")
	}

	n.publish(n.transportEvent(session.StateStopped, nil))
	n.logger.Info("Session stopped")
	return stopErr
}

// Close stops the session and closes the event bus permanently
func (n *Node) Close() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil
	}

	err := n.stop(context.Background())

	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.bus.Close()
	return err
}

// State returns the current lifecycle state
func (n *Node) State() session.State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setStateLocked(state session.State, err error) {
	n.state = state
	n.lastErr = err
	n.since = time.Now()
}

// transition sets the state and publishes the change
func (n *Node) transition(state session.State, err error) {
	n.mu.Lock()
	n.setStateLocked(state, err)
	n.mu.Unlock()
	n.publish(n.transportEvent(state, err))
}

// degradeFromLoop moves Running -> Degraded after a receive failure. It does
// nothing when the loop is being cancelled by Stop or Retry.
func (n *Node) degradeFromLoop(ctx context.Context, err error) {
	n.mu.Lock()
	if ctx.Err() != nil || n.state != session.StateRunning {
		n.mu.Unlock()
		return
	}
	n.setStateLocked(session.StateDegraded, err)
	n.mu.Unlock()

	n.logger.WithError(err).Warn("Receive loop failed, session degraded")
	n.publish(n.transportEvent(session.StateDegraded, err))
}

func (n *Node) transportEvent(state session.State, err error) events.TransportStatusChanged {
	ev := events.TransportStatusChanged{State: state.String(), At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (n *Node) persistenceDegraded(err error) {
	ev := events.PersistenceStatusChanged{Degraded: true, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	n.publish(ev)
}

func (n *Node) publish(evs ...events.Event) {
	n.bus.Publish(evs...)
}

// Subscribe returns a live event stream filtered to kinds
func (n *Node) Subscribe(kinds ...events.Kind) events.Subscription {
	opts := []eventbus.Option{eventbus.WithBuffer(n.config.BusBuffer)}
	if len(kinds) > 0 {
		opts = append(opts, eventbus.WithKinds(kinds...))
	}
	return n.bus.Subscribe(opts...)
}

// AddPublicChannel joins a public channel derived from name
func (n *Node) AddPublicChannel(ctx context.Context, name string) (mesh.Channel, error) {
	if err := n.checkOpen(); err != nil {
		return mesh.Channel{}, err
	}
	ch, err := n.registry.AddPublic(ctx, name)
	if err != nil {
		return mesh.Channel{}, err
	}
	n.publish(events.ChannelChanged{Channel: ch, Change: events.ChannelAdded})
	return ch, nil
}

// AddPrivateChannel joins a private channel with a pre-shared key
func (n *Node) AddPrivateChannel(ctx context.Context, name string, key []byte) (mesh.Channel, error) {
	if err := n.checkOpen(); err != nil {
		return mesh.Channel{}, err
	}
	ch, err := n.registry.AddPrivate(ctx, name, key)
	if err != nil {
		return mesh.Channel{}, err
	}
	n.publish(events.ChannelChanged{Channel: ch, Change: events.ChannelAdded})
	return ch, nil
}

// RemoveChannel leaves a channel and applies the history policy.
// A second removal of the same id returns mesh.ErrNotFound.
func (n *Node) RemoveChannel(ctx context.Context, id string) error {
	if err := n.checkOpen(); err != nil {
		return err
	}
	ch, err := n.registry.Remove(ctx, id)
	if err != nil {
		return err
	}
	if n.config.HistoryPolicy == HistoryPurge {
		if err := n.journal.PurgeHistory(ctx, mesh.ChannelTarget(id)); err != nil {
			n.logger.WithError(err).WithField("channel", id).Warn("Failed to purge channel history")
		}
	}
	n.publish(events.ChannelChanged{Channel: ch, Change: events.ChannelRemoved})
	return nil
}

func (n *Node) checkOpen() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return session.ErrClosed
	}
	return nil
}

// History returns stored messages of a conversation
func (n *Node) History(ctx context.Context, target mesh.Target, before time.Time, limit int) ([]mesh.Message, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	msgs, err := n.journal.History(ctx, target, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", target, err)
	}
	return msgs, nil
}

// Channels returns joined channels in join order
func (n *Node) Channels() []mesh.Channel {
	return n.registry.List()
}

// Contacts returns known contacts, most recently seen first
func (n *Node) Contacts() []mesh.Contact {
	n.mu.RLock()
	out := make([]mesh.Contact, 0, len(n.contacts))
	for _, c := range n.contacts {
		out = append(out, c)
	}
	n.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// AddContact records a peer the user knows out of band. publicKey is the
// 64 character hex key; name is required. An existing contact takes the new
// name and keeps its last-seen time and signal values.
func (n *Node) AddContact(ctx context.Context, publicKey, name string) (mesh.Contact, error) {
	if err := n.checkOpen(); err != nil {
		return mesh.Contact{}, err
	}
	nodeID := strings.ToLower(strings.TrimSpace(publicKey))
	pub, err := mesh.ParseNodeID(nodeID)
	if err != nil {
		return mesh.Contact{}, fmt.Errorf("%w: %v", session.ErrInvalidContact, err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return mesh.Contact{}, fmt.Errorf("%w: name cannot be empty", session.ErrInvalidContact)
	}
	c, _, err := n.upsertContact(ctx, mesh.Contact{NodeID: nodeID, Name: name, PublicKey: pub})
	return c, err
}

// SeedContact adds a contact learned from configuration. It upserts like
// AddContact and reports whether the contact is new.
func (n *Node) SeedContact(ctx context.Context, c mesh.Contact) (bool, error) {
	c.NodeID = strings.ToLower(c.NodeID)
	pub, err := mesh.ParseNodeID(c.NodeID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", session.ErrInvalidContact, err)
	}
	c.PublicKey = pub
	_, created, err := n.upsertContact(ctx, c)
	return created, err
}

// upsertContact persists c and only then commits it to the runtime set. A
// known contact keeps what the receive loop has recorded and takes c's name
// when one is given.
func (n *Node) upsertContact(ctx context.Context, c mesh.Contact) (mesh.Contact, bool, error) {
	if len(c.Name) > packet.MaxNameLen || !utf8.ValidString(c.Name) {
		return mesh.Contact{}, false, fmt.Errorf("%w: name must be at most %d bytes of UTF-8", session.ErrInvalidContact, packet.MaxNameLen)
	}

	merge := func(existing mesh.Contact, ok bool) mesh.Contact {
		if !ok {
			return c
		}
		if c.Name != "" {
			existing.Name = c.Name
		}
		existing.PublicKey = c.PublicKey
		return existing
	}

	n.mu.RLock()
	existing, ok := n.contacts[c.NodeID]
	n.mu.RUnlock()

	if err := n.journal.UpsertContact(ctx, merge(existing, ok)); err != nil {
		return mesh.Contact{}, false, fmt.Errorf("failed to persist contact %s: %w", c.NodeID, err)
	}

	// The receive loop may have refreshed the contact while it was written
	n.mu.Lock()
	existing, ok = n.contacts[c.NodeID]
	merged := merge(existing, ok)
	n.contacts[c.NodeID] = merged
	n.mu.Unlock()

	n.publish(events.ContactUpserted{Contact: merged, Created: !ok})
	n.logger.WithFields(logrus.Fields{
		"contact": c.NodeID[:16],
		"name":    merged.Name,
		"created": !ok,
	}).Info("Contact saved")
	return merged, !ok, nil
}

// Identity describes the local node
func (n *Node) Identity() session.NodeInfo {
	return session.NodeInfo{
		NodeID:    n.identity.NodeID(),
		Name:      n.config.NodeName,
		PublicKey: hex.EncodeToString(n.identity.PublicKey()),
		Hash:      n.identity.Hash(),
	}
}

// Health returns a status snapshot
func (n *Node) Health() session.Health {
	n.mu.RLock()
	h := session.Health{
		State:    n.state,
		Since:    n.since,
		Contacts: len(n.contacts),
	}
	if n.lastErr != nil {
		h.LastError = n.lastErr.Error()
	}
	n.mu.RUnlock()

	h.Node = n.Identity()
	h.Channels = n.registry.Len()
	h.PersistenceDegraded = n.journal.Degraded()
	h.BusDropped = n.bus.Dropped()
	return h
}

// beginSend admits a send while Running and returns the loop context that
// cancels it on Stop. The caller must call n.sendWG.Done.
func (n *Node) beginSend() (context.Context, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, session.ErrClosed
	}
	if n.state != session.StateRunning {
		return nil, fmt.Errorf("%w: state is %s", session.ErrNotRunning, n.state)
	}
	n.sendWG.Add(1)
	return n.loopCtx, nil
}

var errStreamClosed = errors.New("receive stream closed")

var _ session.Session = (*Node)(nil)
