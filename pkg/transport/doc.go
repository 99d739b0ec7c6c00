// Package transport defines the radio contract used by a mesh session.
//
// Two implementations exist:
//   - internal/radio/mock: an in-process radio for tests and demos, with
//     injectable inbound frames, a transmit log and failure injection
//   - internal/radio/grpcbridge: a client for a radio daemon that owns the
//     physical hardware, spoken to over gRPC
//
// The session drives a transport like this:
//
//	if err := t.Initialize(ctx); err != nil {
//		// errors.Is(err, transport.ErrInit)
//	}
//	frames, errs := t.Receive(loopCtx)
//	for {
//		select {
//		case f, ok := <-frames:
//			...
//		case err := <-errs:
//			...
//		}
//	}
package transport
