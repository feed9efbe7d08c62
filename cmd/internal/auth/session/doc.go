// Package session implements vigil's client session watchdog.
//
// A session is Active from login until it is idle for longer than its
// timeout (24h standard, 30d extended) or the user logs out explicitly.
// Both exits converge on the Coordinator, which invalidates the remote
// session (best-effort, bounded) and then clears local state.
//
// All session state lives in a storage.Store under the keys declared in
// store.go, so a restarted agent can Resume where it left off.
//
// Transport (HTTP/WS) integration lives in auth/api and realtime.
package session
