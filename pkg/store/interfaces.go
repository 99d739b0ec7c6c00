package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
)

// DefaultHistoryLimit is used when a history query passes a non-positive limit
const DefaultHistoryLimit = 200

var (
	// ErrPersistence marks write or read failures of the backing store.
	// Callers match it with errors.Is.
	ErrPersistence = errors.New("persistence error")
	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("store is closed")
)

// Error wraps a backend failure so that errors.Is(err, ErrPersistence) holds.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrPersistence
func (e *Error) Is(target error) bool {
	return target == ErrPersistence
}

// Wrap returns err as a persistence Error for op, or nil when err is nil
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Store is the durable mirror of messages, contacts and channels.
// Every write is durable before it returns.
type Store interface {
	io.Closer

	// AppendMessage records a new message.
	AppendMessage(ctx context.Context, msg mesh.Message) error

	// UpdateMessageStatus moves a stored message to a new status.
	// Returns mesh.ErrNotFound if the id is unknown.
	UpdateMessageStatus(ctx context.Context, id string, status mesh.MessageStatus, reason string) error

	// UpsertContact inserts or refreshes a contact keyed by NodeID.
	// An empty Name keeps the stored name.
	UpsertContact(ctx context.Context, contact mesh.Contact) error

	// UpsertChannel inserts or updates a channel keyed by ID.
	// New channels are appended to the join order.
	UpsertChannel(ctx context.Context, channel mesh.Channel) error

	// RemoveChannel deletes a channel. Removing an unknown id is a no-op.
	RemoveChannel(ctx context.Context, id string) error

	// RecordInbound stores a received message together with the contact
	// upsert it caused, as one unit. contact may be nil.
	RecordInbound(ctx context.Context, msg mesh.Message, contact *mesh.Contact) error

	// PurgeHistory deletes every message of a conversation.
	PurgeHistory(ctx context.Context, target mesh.Target) error

	// History returns up to limit messages of a conversation with a
	// timestamp strictly before before, oldest first. A zero before means
	// no upper bound.
	History(ctx context.Context, target mesh.Target, before time.Time, limit int) ([]mesh.Message, error)

	// ListChannels returns channels in join order.
	ListChannels(ctx context.Context) ([]mesh.Channel, error)

	// ListContacts returns contacts, most recently seen first.
	ListContacts(ctx context.Context) ([]mesh.Contact, error)
}
