// Package store defines the persistence contract for MeshCore sessions.
//
// A Store is the durable mirror of what the session orchestrator knows:
// chat history, contacts and joined channels. It is never the authority for
// in-flight state. The orchestrator owns message status transitions and
// writes each one through before publishing the matching event.
//
// Implementations:
//   - internal/store/memory: process-local store, also the fallback when the
//     durable store keeps failing
//   - internal/store/sqlstore: SQLite and PostgreSQL backends over database/sql
//
// Backend failures are reported as *Error values that match ErrPersistence:
//
//	if err := st.AppendMessage(ctx, msg); errors.Is(err, store.ErrPersistence) {
//		// retry, then fall back to memory-only mode
//	}
package store
