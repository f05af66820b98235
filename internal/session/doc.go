// Package session tracks live gateway connections.
//
// The Registry is the single answer to "is this gateway reachable, and how
// do I send it a message". It holds at most one Session per gateway: a
// second connection for the same gateway closes and replaces the first.
// Sessions live only in memory; after a restart every gateway reconnects.
//
// A registered session whose last heartbeat is older than the stale
// threshold is reported as StateStale. Nothing evicts it on a timer. It goes
// away when its connection closes or the next send to it fails.
package session
