// Package session owns the connection reliability primitives shared by sync clients.
//
// Ownership boundary:
// - retry/backoff delay computation
// - reconnection state machine (connected, reconnecting, failed)
// - offline outbox of encoded frames
// - heartbeat pings, latency smoothing and staleness detection
//
// The transport and facade packages compose these; nothing here touches a socket.
package session
