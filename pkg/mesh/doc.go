// Package mesh provides the domain types shared by every MeshCore component.
//
// This package defines the records that flow between the session orchestrator,
// the channel registry, the persistence store and presentation layers:
//   - Channel: a named group-messaging context with a symmetric key
//   - Contact: a peer node observed on the mesh, keyed by its public key
//   - Message: a sent or received text, with a forward-only delivery status
//   - Target: the history key selecting either a channel or a direct peer
//
// Message status only ever moves forward:
//
//	pending -> sent -> delivered
//	pending -> failed
//
// MessageStatus.CanTransition encodes that rule and every writer of status
// checks it before persisting a change.
//
// Example usage:
//
//	msg := mesh.Message{
//		ID:        uuid.NewString(),
//		ChannelID: channel.ID,
//		Content:   "hello",
//		Direction: mesh.DirectionSent,
//		Status:    mesh.StatusPending,
//	}
//	if msg.Status.CanTransition(mesh.StatusSent) {
//		msg.Status = mesh.StatusSent
//	}
package mesh
