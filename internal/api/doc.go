// Package api implements the relay's HTTP REST API and its two WebSocket
// surfaces.
//
// This package provides:
//   - The gateway bridge endpoint, where edge gateways hold their session
//   - REST endpoints for pairing, gateway management, cached home reads,
//     command relay, permission sharing and the audit trail
//   - A client event stream that pushes state, presence and command acks
//   - Bearer token authentication and per-home authorisation on every route
//   - Middleware stack (request ID, logging, recovery, CORS, metrics)
//
// # Architecture
//
// Gateways dial out to the relay and keep one WebSocket open. Inbound frames
// are handed to the relay dispatcher; commands from users travel the other
// way through the relay and the session registry. Nothing in this package
// talks to a gateway except through those two collaborators.
//
// # Security
//
// Gateways authenticate with their id and secret, or with an owner's bearer
// token. A rejected handshake gets a bare 401 or 403 and is never upgraded.
// The public pairing endpoints are rate limited per client IP.
package api
