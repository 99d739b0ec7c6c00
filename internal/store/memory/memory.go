package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/store"
)

// Store implements store.Store in process memory.
// Messages are kept per conversation in insertion order. It is safe for
// concurrent use.
type Store struct {
	mu             sync.RWMutex
	messagesByConv map[mesh.Target][]*mesh.Message // conversation -> messages
	messageIndex   map[string]*mesh.Message        // id -> message
	contacts       map[string]mesh.Contact         // node id -> contact
	channels       []mesh.Channel                  // join order
	closed         bool
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		messagesByConv: make(map[mesh.Target][]*mesh.Message),
		messageIndex:   make(map[string]*mesh.Message),
		contacts:       make(map[string]mesh.Contact),
	}
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// AppendMessage records a new message. A message id that already exists
// replaces the stored copy.
func (s *Store) AppendMessage(ctx context.Context, msg mesh.Message) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	s.appendLocked(msg)
	return nil
}

func (s *Store) appendLocked(msg mesh.Message) {
	if existing, ok := s.messageIndex[msg.ID]; ok {
		*existing = msg
		return
	}
	stored := msg
	conv := msg.Target()
	s.messagesByConv[conv] = append(s.messagesByConv[conv], &stored)
	s.messageIndex[msg.ID] = &stored
}

// UpdateMessageStatus moves a stored message to a new status
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status mesh.MessageStatus, reason string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	msg, ok := s.messageIndex[id]
	if !ok {
		return mesh.ErrNotFound
	}
	msg.Status = status
	msg.FailureReason = reason
	return nil
}

// UpsertContact inserts or refreshes a contact
func (s *Store) UpsertContact(ctx context.Context, contact mesh.Contact) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	s.upsertContactLocked(contact)
	return nil
}

func (s *Store) upsertContactLocked(contact mesh.Contact) {
	if existing, ok := s.contacts[contact.NodeID]; ok && contact.Name == "" {
		contact.Name = existing.Name
	}
	contact.PublicKey = append([]byte(nil), contact.PublicKey...)
	s.contacts[contact.NodeID] = contact
}

// UpsertChannel inserts or updates a channel, keeping its join position
func (s *Store) UpsertChannel(ctx context.Context, channel mesh.Channel) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	for i := range s.channels {
		if s.channels[i].ID == channel.ID {
			s.channels[i] = channel.Clone()
			return nil
		}
	}
	s.channels = append(s.channels, channel.Clone())
	return nil
}

// RemoveChannel deletes a channel if present
func (s *Store) RemoveChannel(ctx context.Context, id string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	for i := range s.channels {
		if s.channels[i].ID == id {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return nil
		}
	}
	return nil
}

// RecordInbound stores a received message and its contact upsert under one lock
func (s *Store) RecordInbound(ctx context.Context, msg mesh.Message, contact *mesh.Contact) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if contact != nil {
		s.upsertContactLocked(*contact)
	}
	s.appendLocked(msg)
	return nil
}

// PurgeHistory deletes every message of a conversation
func (s *Store) PurgeHistory(ctx context.Context, target mesh.Target) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	for _, msg := range s.messagesByConv[target] {
		delete(s.messageIndex, msg.ID)
	}
	delete(s.messagesByConv, target)
	return nil
}

// History returns the newest limit messages before before, oldest first
func (s *Store) History(ctx context.Context, target mesh.Target, before time.Time, limit int) ([]mesh.Message, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	conv := s.messagesByConv[target]
	matched := make([]mesh.Message, 0, len(conv))
	for _, msg := range conv {
		if before.IsZero() || msg.Timestamp.Before(before) {
			matched = append(matched, *msg)
		}
	}
	// Stable sort keeps insertion order between equal timestamps
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// ListChannels returns channels in join order
func (s *Store) ListChannels(ctx context.Context) ([]mesh.Channel, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	out := make([]mesh.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Clone())
	}
	return out, nil
}

// ListContacts returns contacts, most recently seen first
func (s *Store) ListContacts(ctx context.Context) ([]mesh.Contact, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	out := make([]mesh.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

// Close releases all data. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.messagesByConv = make(map[mesh.Target][]*mesh.Message)
	s.messageIndex = make(map[string]*mesh.Message)
	s.contacts = make(map[string]mesh.Contact)
	s.channels = nil
	s.closed = true
	return nil
}

// Verify that Store implements the store.Store interface at compile time
var _ store.Store = (*Store)(nil)
