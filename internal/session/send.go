package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/internal/packet"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/sirupsen/logrus"
)

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return session.ErrEmptyMessage
	}
	if len(text) > packet.MaxTextLen {
		return fmt.Errorf("%w: %d bytes, limit %d", session.ErrMessageTooLong, len(text), packet.MaxTextLen)
	}
	return nil
}

// SendChannelMessage encrypts text with the channel key and transmits it.
// Validation failures return an error and create no message. Otherwise the
// returned message carries its terminal status: sent, delivered or failed.
func (n *Node) SendChannelMessage(ctx context.Context, channelID, text string) (mesh.Message, error) {
	ch, ok := n.registry.Get(channelID)
	if !ok {
		return mesh.Message{}, fmt.Errorf("%w: %s", session.ErrUnknownChannel, channelID)
	}
	if err := validateText(text); err != nil {
		return mesh.Message{}, err
	}
	loopCtx, err := n.beginSend()
	if err != nil {
		return mesh.Message{}, err
	}
	defer n.sendWG.Done()

	now := time.Now()
	body := packet.Body{
		SenderKey:  n.identity.PublicKey(),
		SenderName: n.config.NodeName,
		Timestamp:  now.UnixMilli(),
		Text:       text,
	}
	nonce, ciphertext, err := meshcrypto.SealGroup(ch.Key, body.Marshal())
	if err != nil {
		return mesh.Message{}, fmt.Errorf("failed to encrypt channel message: %w", err)
	}
	frame := packet.Frame{
		Type:        packet.TypeGroupText,
		ChannelHash: meshcrypto.KeyHash(ch.Key),
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}
	data, err := frame.Encode()
	if err != nil {
		return mesh.Message{}, fmt.Errorf("failed to encode channel message: %w", err)
	}

	msg := mesh.Message{
		ID:         uuid.NewString(),
		Timestamp:  now,
		SenderID:   n.identity.NodeID(),
		SenderName: n.config.NodeName,
		ChannelID:  ch.ID,
		Content:    text,
		Direction:  mesh.DirectionSent,
		Status:     mesh.StatusPending,
	}
	return n.transmit(ctx, loopCtx, msg, data), nil
}

// SendDirectMessage encrypts text to one peer and transmits it
func (n *Node) SendDirectMessage(ctx context.Context, peer, text string) (mesh.Message, error) {
	contact, err := n.resolvePeer(peer)
	if err != nil {
		return mesh.Message{}, err
	}
	if err := validateText(text); err != nil {
		return mesh.Message{}, err
	}
	loopCtx, err := n.beginSend()
	if err != nil {
		return mesh.Message{}, err
	}
	defer n.sendWG.Done()

	now := time.Now()
	body := packet.Body{
		SenderName: n.config.NodeName,
		Timestamp:  now.UnixMilli(),
		Text:       text,
	}
	nonce, ciphertext, err := n.identity.SealTo(contact.PublicKey, body.Marshal())
	if err != nil {
		return mesh.Message{}, fmt.Errorf("failed to encrypt direct message: %w", err)
	}
	frame := packet.Frame{
		Type:       packet.TypeDirectText,
		DestHash:   contact.PublicKey[0],
		SenderKey:  n.identity.PublicKey(),
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	data, err := frame.Encode()
	if err != nil {
		return mesh.Message{}, fmt.Errorf("failed to encode direct message: %w", err)
	}

	msg := mesh.Message{
		ID:         uuid.NewString(),
		Timestamp:  now,
		SenderID:   n.identity.NodeID(),
		SenderName: n.config.NodeName,
		PeerID:     contact.NodeID,
		Content:    text,
		Direction:  mesh.DirectionSent,
		Status:     mesh.StatusPending,
	}
	return n.transmit(ctx, loopCtx, msg, data), nil
}

// resolvePeer accepts a known node id, a contact name or a 64 character hex
// public key. A public key is addressable even when no advert has been heard.
func (n *Node) resolvePeer(peer string) (mesh.Contact, error) {
	peer = strings.TrimSpace(peer)
	lower := strings.ToLower(peer)

	n.mu.RLock()
	c, ok := n.contacts[lower]
	if !ok {
		var best mesh.Contact
		// Names are not unique; prefer the most recently heard
		for _, candidate := range n.contacts {
			if candidate.Name == "" || candidate.Name != peer {
				continue
			}
			if best.NodeID == "" || candidate.LastSeen.After(best.LastSeen) {
				best = candidate
			}
		}
		c, ok = best, best.NodeID != ""
	}
	n.mu.RUnlock()

	if ok {
		if len(c.PublicKey) != mesh.PublicKeySize {
			pub, err := mesh.ParseNodeID(c.NodeID)
			if err != nil {
				return mesh.Contact{}, fmt.Errorf("%w: %s", session.ErrUnknownContact, peer)
			}
			c.PublicKey = pub
		}
		return c, nil
	}

	if pub, err := mesh.ParseNodeID(lower); err == nil {
		return mesh.Contact{NodeID: lower, PublicKey: pub}, nil
	}
	return mesh.Contact{}, fmt.Errorf("%w: %s", session.ErrUnknownContact, peer)
}

// transmit persists the pending message, sends the frame and drives the
// message to a terminal status. Each transition is written through the
// journal and then published.
func (n *Node) transmit(ctx, loopCtx context.Context, msg mesh.Message, data []byte) mesh.Message {
	// Persistence must not be cut short by the caller giving up on the send
	persistCtx := context.WithoutCancel(ctx)

	if err := n.journal.AppendMessage(persistCtx, msg); err != nil {
		n.logger.WithError(err).WithField("message", msg.ID).Error("Failed to record outbound message")
	}
	n.publish(events.MessageStatusChanged{Message: msg})

	sendCtx, cancel := context.WithTimeout(ctx, n.config.SendTimeout)
	defer cancel()
	stop := context.AfterFunc(loopCtx, cancel)
	defer stop()

	ack, err := n.transport.Send(sendCtx, data)
	if err != nil {
		reason := mesh.ReasonTransportError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			reason = mesh.ReasonTimeout
		}
		n.recorder.MessageFailed()
		n.logger.WithError(err).WithFields(logrus.Fields{
			"message": msg.ID,
			"target":  msg.Target().String(),
			"reason":  reason,
		}).Warn("Send failed")
		return n.advance(persistCtx, msg, mesh.StatusFailed, reason)
	}

	n.recorder.MessageSent()
	msg = n.advance(persistCtx, msg, mesh.StatusSent, "")
	if ack.Delivered {
		msg = n.advance(persistCtx, msg, mesh.StatusDelivered, "")
	}
	return msg
}

// advance applies one forward status transition
func (n *Node) advance(ctx context.Context, msg mesh.Message, status mesh.MessageStatus, reason string) mesh.Message {
	if !msg.Status.CanTransition(status) {
		n.logger.WithFields(logrus.Fields{
			"message": msg.ID,
			"from":    msg.Status,
			"to":      status,
		}).Error("Refusing backward status transition")
		return msg
	}
	prev := msg.Status
	msg.Status = status
	msg.FailureReason = reason

	if err := n.journal.UpdateStatus(ctx, msg); err != nil {
		n.logger.WithError(err).WithField("message", msg.ID).Error("Failed to record status change")
	}
	n.publish(events.MessageStatusChanged{Message: msg, Previous: prev})
	return msg
}

// SendAdvert broadcasts this node's public key and name in the clear
func (n *Node) SendAdvert(ctx context.Context) error {
	loopCtx, err := n.beginSend()
	if err != nil {
		return err
	}
	defer n.sendWG.Done()

	frame := packet.Frame{
		Type:      packet.TypeAdvert,
		SenderKey: n.identity.PublicKey(),
		Name:      n.config.NodeName,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode advert: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.config.SendTimeout)
	defer cancel()
	stop := context.AfterFunc(loopCtx, cancel)
	defer stop()

	if _, err := n.transport.Send(sendCtx, data); err != nil {
		return fmt.Errorf("failed to send advert: %w", err)
	}
	n.recorder.AdvertSent()
	n.logger.WithField("name", n.config.NodeName).Info("Advert sent")
	return nil
}
