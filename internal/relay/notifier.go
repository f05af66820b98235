package relay

import (
	"encoding/json"
	"time"
)

// StateEvent is a single-entity state push from a gateway.
type StateEvent struct {
	HomeID    string          `json:"home_id"`
	GatewayID string          `json:"gateway_id"`
	EntityID  string          `json:"entity_id"`
	State     json.RawMessage `json:"state"`
	At        time.Time       `json:"at"`
}

// AckEvent is a command outcome reported by a gateway.
type AckEvent struct {
	RequestID string          `json:"request_id"`
	HomeID    string          `json:"home_id"`
	GatewayID string          `json:"gateway_id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	At        time.Time       `json:"at"`
}

// PresenceEvent reports a gateway connecting or disconnecting.
type PresenceEvent struct {
	GatewayID string    `json:"gateway_id"`
	HomeID    string    `json:"home_id"`
	Online    bool      `json:"online"`
	At        time.Time `json:"at"`
}

// Notifier receives relay events. Implementations must not block.
type Notifier interface {
	StateChanged(e StateEvent)
	CommandAcked(e AckEvent)
	GatewayPresence(e PresenceEvent)
}

// Notifiers fans every event out to each member in order.
type Notifiers []Notifier

func (n Notifiers) StateChanged(e StateEvent) {
	for _, x := range n {
		x.StateChanged(e)
	}
}

func (n Notifiers) CommandAcked(e AckEvent) {
	for _, x := range n {
		x.CommandAcked(e)
	}
}

func (n Notifiers) GatewayPresence(e PresenceEvent) {
	for _, x := range n {
		x.GatewayPresence(e)
	}
}
