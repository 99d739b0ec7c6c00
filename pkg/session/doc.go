// Package session defines the contract of a mesh session orchestrator.
//
// A session ties together the node identity, the joined channels, the radio
// transport, the persistence store and the event bus. Presentation layers
// (the HTTP API, the CLI, a TUI) talk to a Session only: they read history,
// channels and contacts through it and subscribe for live updates.
//
// Example usage:
//
//	if err := s.Start(ctx); errors.Is(err, session.ErrTransportUnavailable) {
//		// degraded: show a banner, offer Retry
//	}
//	sub := s.Subscribe(events.KindMessageReceived)
//	defer sub.Close()
//	msg, err := s.SendChannelMessage(ctx, channelID, "hello mesh")
//
// The implementation lives in internal/session.
package session
