package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/internal/packet"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Drop reasons logged for frames that never become messages
const (
	dropMalformed     = "malformed"
	dropNoKey         = "no_matching_key"
	dropNotForUs      = "addressed_elsewhere"
	dropUndecryptable = "undecryptable"
	dropOwnFrame      = "own_frame"
	dropInvalidBody   = "invalid_body"
)

// receiveLoop consumes the transport until ctx is cancelled or the transport
// reports a failure.
func (n *Node) receiveLoop(ctx context.Context, frames <-chan transport.Frame, errs <-chan error) {
	defer n.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			n.degradeFromLoop(ctx, err)
			return
		case f, ok := <-frames:
			if !ok {
				reason := errStreamClosed
				select {
				case err, ok := <-errs:
					if ok && err != nil {
						reason = err
					}
				default:
				}
				n.degradeFromLoop(ctx, reason)
				return
			}
			n.handleFrame(ctx, f)
		}
	}
}

func (n *Node) handleFrame(ctx context.Context, f transport.Frame) {
	n.recorder.FrameReceived()
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}

	p, err := packet.Decode(f.Data)
	if err != nil {
		n.drop(f, dropMalformed, err)
		return
	}

	switch p.Type {
	case packet.TypeGroupText:
		n.handleGroup(ctx, p, f)
	case packet.TypeDirectText:
		n.handleDirect(ctx, p, f)
	case packet.TypeAdvert:
		n.handleAdvert(ctx, p, f)
	}
}

func (n *Node) drop(f transport.Frame, reason string, err error) {
	n.recorder.FrameDropped()
	entry := n.logger.WithFields(logrus.Fields{
		"reason": reason,
		"rssi":   f.RSSI,
		"snr":    f.SNR,
		"bytes":  len(f.Data),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Dropped frame")
}

func (n *Node) handleGroup(ctx context.Context, p *packet.Frame, f transport.Frame) {
	var (
		body    *packet.Body
		bodyErr error
		channel mesh.Channel
	)
	// Decrypt under the registry read lock so a concurrent removal cannot
	// pull the key away mid-decode
	matched := n.registry.Match(p.ChannelHash, func(ch mesh.Channel) bool {
		plaintext, err := meshcrypto.OpenGroup(ch.Key, p.Nonce, p.Ciphertext)
		if err != nil {
			return false
		}
		b, err := packet.UnmarshalBody(plaintext)
		if err != nil || len(b.SenderKey) != mesh.PublicKeySize {
			return false
		}
		body, bodyErr, channel = b, b.Validate(), ch
		return true
	})
	if !matched {
		n.drop(f, dropNoKey, nil)
		return
	}
	if bodyErr != nil {
		n.drop(f, dropInvalidBody, bodyErr)
		return
	}

	senderID := mesh.NodeIDFromKey(body.SenderKey)
	if senderID == n.identity.NodeID() {
		n.drop(f, dropOwnFrame, nil)
		return
	}

	n.deliver(ctx, mesh.Message{
		ChannelID: channel.ID,
		Content:   body.Text,
	}, body.SenderKey, body.SenderName, f)
}

func (n *Node) handleDirect(ctx context.Context, p *packet.Frame, f transport.Frame) {
	if p.DestHash != n.identity.Hash() {
		n.drop(f, dropNotForUs, nil)
		return
	}
	plaintext, err := n.identity.OpenFrom(p.SenderKey, p.Nonce, p.Ciphertext)
	if err != nil {
		n.drop(f, dropUndecryptable, err)
		return
	}
	body, err := packet.UnmarshalBody(plaintext)
	if err != nil {
		n.drop(f, dropMalformed, err)
		return
	}
	if err := body.Validate(); err != nil {
		n.drop(f, dropInvalidBody, err)
		return
	}

	senderID := mesh.NodeIDFromKey(p.SenderKey)
	n.deliver(ctx, mesh.Message{
		PeerID:  senderID,
		Content: body.Text,
	}, p.SenderKey, body.SenderName, f)
}

// deliver completes an inbound message, records it together with the sender
// contact and publishes one MessageReceived event. The write runs to
// completion even when Stop cancels the loop mid-frame: Stop waits for the
// loop, and a message that was decoded is always recorded somewhere.
func (n *Node) deliver(ctx context.Context, msg mesh.Message, senderKey []byte, senderName string, f transport.Frame) {
	contact, created := n.touchContact(senderKey, senderName, false, f)

	msg.ID = uuid.NewString()
	msg.Timestamp = f.ReceivedAt
	msg.SenderID = contact.NodeID
	msg.SenderName = contact.DisplayName()
	msg.Direction = mesh.DirectionReceived
	msg.Status = mesh.StatusDelivered

	if err := n.journal.RecordInbound(context.WithoutCancel(ctx), msg, &contact); err != nil {
		n.logger.WithError(err).WithField("message", msg.ID).Error("Failed to record inbound message")
	}
	n.recorder.MessageReceived()

	ev := events.MessageReceived{Message: msg}
	if created {
		c := contact
		ev.Contact = &c
	}
	n.publish(ev)

	n.logger.WithFields(logrus.Fields{
		"from":   contact.DisplayName(),
		"target": msg.Target().String(),
	}).Debug("Message received")
}

func (n *Node) handleAdvert(ctx context.Context, p *packet.Frame, f transport.Frame) {
	senderID := mesh.NodeIDFromKey(p.SenderKey)
	if senderID == n.identity.NodeID() {
		n.drop(f, dropOwnFrame, nil)
		return
	}

	contact, created := n.touchContact(p.SenderKey, p.Name, true, f)
	if err := n.journal.UpsertContact(context.WithoutCancel(ctx), contact); err != nil {
		n.logger.WithError(err).WithField("contact", senderID).Error("Failed to record contact")
	}
	n.publish(events.ContactUpserted{Contact: contact, Created: created})

	n.logger.WithFields(logrus.Fields{
		"contact": senderID[:16],
		"name":    contact.Name,
		"created": created,
	}).Info("Advert received")
}

// touchContact creates or refreshes the runtime contact for a sender.
// Known contacts only take the advertised name when rename is set.
func (n *Node) touchContact(pub []byte, name string, rename bool, f transport.Frame) (mesh.Contact, bool) {
	id := mesh.NodeIDFromKey(pub)

	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.contacts[id]
	if !ok {
		c = mesh.Contact{
			NodeID:    id,
			Name:      name,
			PublicKey: append([]byte(nil), pub...),
		}
	} else if rename && name != "" {
		c.Name = name
	}
	if len(c.PublicKey) != mesh.PublicKeySize {
		c.PublicKey = append([]byte(nil), pub...)
	}
	c.LastSeen = f.ReceivedAt
	c.RSSI = f.RSSI
	c.SNR = f.SNR
	n.contacts[id] = c
	return c, !ok
}
