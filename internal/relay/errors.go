package relay

import "errors"

// Sentinel errors for relay operations.
var (
	// ErrGatewayUnavailable means the home has no usable gateway session.
	// Retrying later may succeed.
	ErrGatewayUnavailable = errors.New("gateway offline")

	// ErrGatewayStale means a session exists but its heartbeat is too old to
	// trust delivery. Clients may wait for it to recover instead of re-pairing.
	ErrGatewayStale = errors.New("gateway connection stale, command may not be delivered")

	ErrInvalidCommand = errors.New("invalid command")
)
