package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
)

var (
	// ErrNotRunning is returned by sends while the session is not Running
	ErrNotRunning = errors.New("session is not running")
	// ErrTransportUnavailable is returned when the radio cannot be brought up.
	// The session is Degraded and Retry may be called.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrNotDegraded is returned by Retry outside the Degraded state
	ErrNotDegraded = errors.New("session is not degraded")
	// ErrClosed is returned by operations on a closed session
	ErrClosed = errors.New("session is closed")

	// ErrUnknownChannel is returned when a send names a channel that is not joined
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownContact is returned when a peer is neither a known contact nor a public key
	ErrUnknownContact = errors.New("unknown contact")
	// ErrInvalidContact is returned when a contact has a malformed public key or name
	ErrInvalidContact = errors.New("invalid contact")
	// ErrEmptyMessage is returned for blank message text
	ErrEmptyMessage = errors.New("message text cannot be empty")
	// ErrMessageTooLong is returned when the text exceeds the frame payload limit
	ErrMessageTooLong = errors.New("message text too long")
)

// State is the lifecycle state of a session
type State int

const (
	StateStopped State = iota
	StateInitializing
	StateRunning
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ParseState converts a state name back into a State
func ParseState(s string) (State, error) {
	for _, st := range []State{StateStopped, StateInitializing, StateRunning, StateDegraded} {
		if st.String() == s {
			return st, nil
		}
	}
	return StateStopped, fmt.Errorf("unknown session state %q", s)
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// NodeInfo describes the local node
type NodeInfo struct {
	NodeID    string `json:"nodeId"`
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Hash      byte   `json:"hash"`
}

// Health is a snapshot of the session for status displays
type Health struct {
	State               State     `json:"state"`
	Since               time.Time `json:"since"`
	LastError           string    `json:"lastError,omitempty"`
	Node                NodeInfo  `json:"node"`
	Channels            int       `json:"channels"`
	Contacts            int       `json:"contacts"`
	PersistenceDegraded bool      `json:"persistenceDegraded"`
	BusDropped          uint64    `json:"busDropped"`
}

// Session owns one node's connection to a mesh radio.
//
// Lifecycle: Stopped -> Initializing -> Running <-> Degraded -> Stopped.
// Sends are only accepted while Running. Every accepted send returns a
// message in a terminal status, and each status change is published as an
// event after it has been persisted.
type Session interface {
	io.Closer

	// Start brings the transport up and starts the receive loop.
	// On transport failure the session is Degraded and ErrTransportUnavailable is returned.
	Start(ctx context.Context) error

	// Stop ends the receive loop and stops the transport. No event is
	// published after Stop returns.
	Stop(ctx context.Context) error

	// Retry re-initializes the transport from the Degraded state
	Retry(ctx context.Context) error

	// State returns the current lifecycle state
	State() State

	// SendChannelMessage encrypts text for a joined channel and transmits it
	SendChannelMessage(ctx context.Context, channelID, text string) (mesh.Message, error)

	// SendDirectMessage encrypts text for one peer. peer may be a contact
	// node id, a contact name or a hex public key.
	SendDirectMessage(ctx context.Context, peer, text string) (mesh.Message, error)

	// SendAdvert broadcasts this node's public key and name
	SendAdvert(ctx context.Context) error

	AddPublicChannel(ctx context.Context, name string) (mesh.Channel, error)
	AddPrivateChannel(ctx context.Context, name string, key []byte) (mesh.Channel, error)
	RemoveChannel(ctx context.Context, id string) error

	// History returns up to limit messages of a conversation before before, oldest first
	History(ctx context.Context, target mesh.Target, before time.Time, limit int) ([]mesh.Message, error)
	Channels() []mesh.Channel
	Contacts() []mesh.Contact

	// AddContact records a peer by hex public key under name. An existing
	// contact keeps its signal history and takes the new name.
	AddContact(ctx context.Context, publicKey, name string) (mesh.Contact, error)

	Identity() NodeInfo
	Health() Health

	// Subscribe returns a live event stream filtered to kinds (all kinds when empty)
	Subscribe(kinds ...events.Kind) events.Subscription
}
