// Package relay forwards commands from authorised callers to gateways and
// handles the messages gateways send back.
//
// Sending is fire-and-forget. The relay checks, in order, that the caller
// may control the home, that the home's gateway has a live session, and
// that the session is not stale; it then assigns a request id, enqueues the
// command and returns. Any ack the gateway sends later is routed by request
// id to whoever registered interest through the AckRouter. Nothing retries
// or queues across reconnects.
package relay
