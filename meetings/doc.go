// Package meetings tracks live meetings, the connections joined to them and
// the transcript each one accumulates. It is the only part of the service
// that coordinates concurrent participants.
//
// Layers & Roles
//
//	Directory -> process-wide set of sessions keyed by meeting ID
//	Session   -> lifecycle state, roster, ordered transcript, registry slice
//	Registry  -> userID -> connection index for one meeting
//	peer      -> one connection plus its ordered outbound queue
//
// # Lifecycle
//
// A session is created by Directory.Host and starts ACTIVE. It moves to
// ENDING exactly once, either because the host called Directory.End or
// because the host's connection went away. The goroutine that wins that
// transition runs finalization: it summarizes the transcript, persists it,
// broadcasts done_processing, closes every connection and removes the
// session from the Directory. Every other trigger observes that the session
// is no longer ACTIVE and does nothing.
//
// # Ordering
//
// Every event for a meeting is enqueued while the session mutex is held, and
// each connection drains its queue on a dedicated writer goroutine. A single
// recipient therefore sees events in the order the session accepted them.
// No lock is held while reading from a connection, writing to a socket,
// summarizing or talking to the store.
//
// # Collaborators
//
// The package consumes three interfaces: Conn (a duplex text channel),
// Summarizer and Store. Package wsconn adapts WebSockets to Conn; packages
// under summarize and storage provide the other two.
package meetings
