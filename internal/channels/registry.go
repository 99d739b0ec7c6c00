// Package channels holds the set of channels a node has joined.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDuplicateChannel is returned when a channel with the same id is already joined
	ErrDuplicateChannel = errors.New("channel already exists")
	// ErrInvalidName is returned for empty channel names
	ErrInvalidName = errors.New("channel name cannot be empty")
)

// Mirror receives every registry mutation before it is committed in memory.
// store.Store satisfies it.
type Mirror interface {
	UpsertChannel(ctx context.Context, channel mesh.Channel) error
	RemoveChannel(ctx context.Context, id string) error
}

type entry struct {
	channel mesh.Channel
	hash    byte
}

// Registry is the runtime authority for joined channels.
//
// A channel is identified by its key: two channels collide only when their
// ids match. Public ids derive from the name, so a public name joins once;
// private channels may share a name as long as their keys differ.
//
// Mutations are serialized by writeMu, which also covers the mirror write, so
// a slow store never blocks decoding. mu is write-locked only for the slice
// update. Match runs its callback under the read lock so a channel cannot be
// removed while a frame is being decoded with its key.
type Registry struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	entries []entry // join order
	mirror  Mirror
	logger  logrus.FieldLogger
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.logger = logging.Component(logger, "channels")
	}
}

// NewRegistry creates an empty registry. mirror may be nil.
func NewRegistry(mirror Mirror, opts ...Option) *Registry {
	r := &Registry{
		mirror: mirror,
		logger: logging.Component(nil, "channels"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddPublic joins the public channel derived from name
func (r *Registry) AddPublic(ctx context.Context, name string) (mesh.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return mesh.Channel{}, ErrInvalidName
	}
	key := meshcrypto.DerivePublicKey(name)
	return r.add(ctx, mesh.Channel{
		ID:   mesh.ChannelID(mesh.ChannelPublic, key),
		Name: name,
		Kind: mesh.ChannelPublic,
		Key:  key,
	})
}

// AddPrivate joins a private channel with a pre-shared 16 or 32 byte key
func (r *Registry) AddPrivate(ctx context.Context, name string, key []byte) (mesh.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return mesh.Channel{}, ErrInvalidName
	}
	if err := meshcrypto.ValidateChannelKey(key); err != nil {
		return mesh.Channel{}, err
	}
	key = append([]byte(nil), key...)
	return r.add(ctx, mesh.Channel{
		ID:   mesh.ChannelID(mesh.ChannelPrivate, key),
		Name: name,
		Kind: mesh.ChannelPrivate,
		Key:  key,
	})
}

func (r *Registry) add(ctx context.Context, ch mesh.Channel) (mesh.Channel, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	// entries only change under writeMu, so reading them here needs no read lock
	if r.indexOf(ch.ID) >= 0 {
		return mesh.Channel{}, fmt.Errorf("%w: %s channel %q", ErrDuplicateChannel, ch.Kind, ch.Name)
	}

	if r.mirror != nil {
		if err := r.mirror.UpsertChannel(ctx, ch); err != nil {
			return mesh.Channel{}, fmt.Errorf("failed to persist channel %s: %w", ch.ID, err)
		}
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry{channel: ch, hash: meshcrypto.KeyHash(ch.Key)})
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"channel": ch.ID,
		"name":    ch.Name,
		"kind":    ch.Kind,
	}).Info("Joined channel")
	return ch.Clone(), nil
}

// Remove leaves a channel. Unknown ids return mesh.ErrNotFound.
func (r *Registry) Remove(ctx context.Context, id string) (mesh.Channel, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return mesh.Channel{}, fmt.Errorf("channel %s: %w", id, mesh.ErrNotFound)
	}

	if r.mirror != nil {
		if err := r.mirror.RemoveChannel(ctx, id); err != nil {
			return mesh.Channel{}, fmt.Errorf("failed to persist channel removal %s: %w", id, err)
		}
	}

	r.mu.Lock()
	removed := r.entries[idx].channel
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	r.mu.Unlock()

	r.logger.WithField("channel", id).Info("Left channel")
	return removed, nil
}

// Restore loads previously persisted channels in their stored order without
// writing them back to the mirror. Entries with invalid keys or that collide
// with an existing channel are skipped and logged.
func (r *Registry) Restore(channels []mesh.Channel) int {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, ch := range channels {
		if err := meshcrypto.ValidateChannelKey(ch.Key); err != nil {
			r.logger.WithError(err).WithField("channel", ch.ID).Warn("Skipping stored channel")
			continue
		}
		if r.indexOf(ch.ID) >= 0 {
			continue
		}
		ch = ch.Clone()
		r.entries = append(r.entries, entry{channel: ch, hash: meshcrypto.KeyHash(ch.Key)})
		restored++
	}
	return restored
}

// indexOf needs writeMu or mu held
func (r *Registry) indexOf(id string) int {
	for i, e := range r.entries {
		if e.channel.ID == id {
			return i
		}
	}
	return -1
}

// List returns the joined channels in join order
func (r *Registry) List() []mesh.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mesh.Channel, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.channel.Clone())
	}
	return out
}

// Get returns a channel by id
func (r *Registry) Get(id string) (mesh.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx := r.indexOf(id); idx >= 0 {
		return r.entries[idx].channel.Clone(), true
	}
	return mesh.Channel{}, false
}

// Lookup returns the earliest joined channel with the given kind and name
func (r *Registry) Lookup(kind mesh.ChannelKind, name string) (mesh.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.channel.Kind == kind && e.channel.Name == name {
			return e.channel.Clone(), true
		}
	}
	return mesh.Channel{}, false
}

// Len returns the number of joined channels
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Match calls fn for each channel whose key hash equals hash, in join order,
// until fn returns true. It reports whether any call returned true.
// fn runs under the registry read lock and must not call back into the registry's
// mutating methods.
func (r *Registry) Match(hash byte, fn func(mesh.Channel) bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.hash != hash {
			continue
		}
		if fn(e.channel) {
			return true
		}
	}
	return false
}
