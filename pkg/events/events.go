// Package events defines the domain events published by a mesh session.
//
// The set of variants is closed: Event carries an unexported marker method so
// only this package can add new kinds. Consumers switch on the concrete type:
//
//	for ev := range sub.Events() {
//		switch e := ev.(type) {
//		case events.MessageReceived:
//			render(e.Message)
//		case events.TransportStatusChanged:
//			showBanner(e.State)
//		}
//	}
package events

import (
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
)

// Kind names an event variant on the wire and in subscription filters
type Kind string

const (
	KindMessageReceived          Kind = "message_received"
	KindMessageStatusChanged     Kind = "message_status_changed"
	KindContactUpserted          Kind = "contact_upserted"
	KindChannelChanged           Kind = "channel_changed"
	KindTransportStatusChanged   Kind = "transport_status_changed"
	KindPersistenceStatusChanged Kind = "persistence_status_changed"
)

// AllKinds returns every event kind
func AllKinds() []Kind {
	return []Kind{
		KindMessageReceived,
		KindMessageStatusChanged,
		KindContactUpserted,
		KindChannelChanged,
		KindTransportStatusChanged,
		KindPersistenceStatusChanged,
	}
}

// ParseKind validates a kind name
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Event is one of the variants below
type Event interface {
	Kind() Kind
	isEvent()
}

// MessageReceived is emitted once per decoded inbound text.
// Contact is set only when the sender was not known before.
type MessageReceived struct {
	Message mesh.Message  `json:"message"`
	Contact *mesh.Contact `json:"contact,omitempty"`
}

// MessageStatusChanged is emitted after each persisted status transition of an outbound message
type MessageStatusChanged struct {
	Message  mesh.Message       `json:"message"`
	Previous mesh.MessageStatus `json:"previous,omitempty"`
}

// ContactUpserted is emitted when an advert creates or renames a contact
type ContactUpserted struct {
	Contact mesh.Contact `json:"contact"`
	Created bool         `json:"created"`
}

// ChannelChange is the direction of a ChannelChanged event
type ChannelChange string

const (
	ChannelAdded   ChannelChange = "added"
	ChannelRemoved ChannelChange = "removed"
)

// ChannelChanged is emitted when a channel is joined or left
type ChannelChanged struct {
	Channel mesh.Channel  `json:"channel"`
	Change  ChannelChange `json:"change"`
}

// TransportStatusChanged reports a session state transition
type TransportStatusChanged struct {
	State string    `json:"state"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// PersistenceStatusChanged reports that durable storage failed and the
// session continues in memory only
type PersistenceStatusChanged struct {
	Degraded bool      `json:"degraded"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func (MessageReceived) Kind() Kind          { return KindMessageReceived }
func (MessageStatusChanged) Kind() Kind     { return KindMessageStatusChanged }
func (ContactUpserted) Kind() Kind          { return KindContactUpserted }
func (ChannelChanged) Kind() Kind           { return KindChannelChanged }
func (TransportStatusChanged) Kind() Kind   { return KindTransportStatusChanged }
func (PersistenceStatusChanged) Kind() Kind { return KindPersistenceStatusChanged }

func (MessageReceived) isEvent()          {}
func (MessageStatusChanged) isEvent()     {}
func (ContactUpserted) isEvent()          {}
func (ChannelChanged) isEvent()           {}
func (TransportStatusChanged) isEvent()   {}
func (PersistenceStatusChanged) isEvent() {}

// Subscription is a consumer's handle on the event stream
type Subscription interface {
	// Events is closed when the subscription or the session closes
	Events() <-chan Event
	// Dropped counts events lost because the consumer fell behind
	Dropped() uint64
	Close()
}
