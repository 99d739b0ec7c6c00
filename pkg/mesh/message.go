package mesh

import (
	"fmt"
	"time"
)

// Direction records whether a message was sent or received by this node
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// MessageStatus is the delivery state of a message
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Failure reasons carried by failed messages
const (
	ReasonTimeout        = "timeout"
	ReasonTransportError = "transport_error"
)

// ParseMessageStatus converts a stored status string
func ParseMessageStatus(s string) (MessageStatus, error) {
	switch MessageStatus(s) {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return MessageStatus(s), nil
	default:
		return "", fmt.Errorf("unknown message status %q", s)
	}
}

// CanTransition reports whether moving from s to next is a forward step.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusSent || next == StatusFailed
	case StatusSent:
		return next == StatusDelivered
	default:
		return false
	}
}

// Terminal reports whether no further transition is expected.
// A sent message may still become delivered, but callers waiting on a send
// treat sent as an outcome.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusFailed
}

// Message is a single chat message.
// Exactly one of ChannelID and PeerID is set: ChannelID for group traffic,
// PeerID (the counterpart node id) for direct messages.
type Message struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	SenderID      string        `json:"senderId"`
	SenderName    string        `json:"senderName"`
	ChannelID     string        `json:"channelId,omitempty"`
	PeerID        string        `json:"peerId,omitempty"`
	Content       string        `json:"content"`
	Direction     Direction     `json:"direction"`
	Status        MessageStatus `json:"status"`
	FailureReason string        `json:"failureReason,omitempty"`
}

// IsDirect reports whether the message is a direct message
func (m Message) IsDirect() bool {
	return m.ChannelID == ""
}

// Target returns the history key the message belongs to
func (m Message) Target() Target {
	if m.IsDirect() {
		return Target{PeerID: m.PeerID}
	}
	return Target{ChannelID: m.ChannelID}
}

// Target selects a conversation: a channel or a direct peer.
type Target struct {
	ChannelID string `json:"channelId,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
}

// ChannelTarget returns the target for a channel conversation
func ChannelTarget(channelID string) Target {
	return Target{ChannelID: channelID}
}

// PeerTarget returns the target for a direct conversation
func PeerTarget(peerID string) Target {
	return Target{PeerID: peerID}
}

// Validate checks that exactly one side of the target is set
func (t Target) Validate() error {
	if (t.ChannelID == "") == (t.PeerID == "") {
		return ErrInvalidTarget
	}
	return nil
}

func (t Target) String() string {
	if t.ChannelID != "" {
		return "channel:" + t.ChannelID
	}
	return "peer:" + t.PeerID
}
