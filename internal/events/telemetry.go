package events

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// PointWriter is the part of the InfluxDB client used for telemetry.
type PointWriter interface {
	WriteEntityMetric(homeID, gatewayID, entityID string, state json.RawMessage, at time.Time)
	WriteGatewayPresence(gatewayID, homeID string, online bool, at time.Time)
}

// Telemetry records state pushes and presence changes as time series.
type Telemetry struct {
	w PointWriter
}

// NewTelemetry creates an InfluxDB sink.
func NewTelemetry(w PointWriter) *Telemetry {
	return &Telemetry{w: w}
}

func (t *Telemetry) StateChanged(e relay.StateEvent) {
	t.w.WriteEntityMetric(e.HomeID, e.GatewayID, e.EntityID, e.State, e.At)
}

// CommandAcked is not recorded.
func (t *Telemetry) CommandAcked(relay.AckEvent) {}

func (t *Telemetry) GatewayPresence(e relay.PresenceEvent) {
	t.w.WriteGatewayPresence(e.GatewayID, e.HomeID, e.Online, e.At)
}
