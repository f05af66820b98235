package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// State is a gateway's liveness as seen by the registry.
type State string

const (
	StateOnline  State = "online"
	StateStale   State = "stale"
	StateOffline State = "offline"
)

// Transport is the outbound side of a gateway connection.
type Transport interface {
	// Send enqueues payload on the connection's ordered outbound queue.
	// It must not block; a full or closed queue is an error.
	Send(payload []byte) error

	// Close tears down the connection. It must be safe to call more than once.
	Close() error

	RemoteAddr() string
}

// StatusStore persists gateway liveness. The gateway service implements it.
type StatusStore interface {
	MarkOnline(ctx context.Context, gatewayID string) error
	MarkOffline(ctx context.Context, gatewayID string) error
}

// PresenceFunc is called after a gateway goes online or offline.
type PresenceFunc func(gatewayID, homeID string, online bool)

// Sentinel errors for registry operations.
var (
	ErrNoSession  = errors.New("no live session for gateway")
	ErrSendFailed = errors.New("send to gateway failed")
)

// Session is one live, authenticated gateway connection.
type Session struct {
	ID          string
	GatewayID   string
	HomeID      string
	RemoteAddr  string
	ConnectedAt time.Time

	transport     Transport
	lastHeartbeat atomic.Int64 // unix nanoseconds
	sent          atomic.Uint64
	recv          atomic.Uint64
}

// LastHeartbeatAt returns the time of the most recent heartbeat, or the
// connect time if none has arrived.
func (s *Session) LastHeartbeatAt() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load()).UTC()
}

// SentCount is the number of messages enqueued to the gateway.
func (s *Session) SentCount() uint64 { return s.sent.Load() }

// RecvCount is the number of messages received from the gateway.
func (s *Session) RecvCount() uint64 { return s.recv.Load() }

// MarkReceived counts one inbound message.
func (s *Session) MarkReceived() { s.recv.Add(1) }

// Info is a point-in-time copy of a session for status reports.
type Info struct {
	SessionID       string    `json:"session_id"`
	GatewayID       string    `json:"gateway_id"`
	HomeID          string    `json:"home_id"`
	RemoteAddr      string    `json:"remote_addr"`
	State           State     `json:"state"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	SentCount       uint64    `json:"messages_sent"`
	RecvCount       uint64    `json:"messages_received"`
}
