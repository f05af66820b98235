package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementEntity   = "entity_metrics"
	MeasurementPresence = "gateway_presence"
)

// WriteEntityMetric records the numeric and boolean fields of an entity
// state push. A state with no such fields writes nothing.
func (c *Client) WriteEntityMetric(homeID, gatewayID, entityID string, state json.RawMessage, at time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := StateFields(state)
	if len(fields) == 0 {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementEntity,
		map[string]string{
			"home_id":    homeID,
			"gateway_id": gatewayID,
			"entity_id":  entityID,
		},
		fields,
		at,
	))
}

// WriteGatewayPresence records a gateway connecting (1) or disconnecting (0).
func (c *Client) WriteGatewayPresence(gatewayID, homeID string, online bool, at time.Time) {
	if !c.IsConnected() {
		return
	}

	value := 0
	if online {
		value = 1
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementPresence,
		map[string]string{
			"gateway_id": gatewayID,
			"home_id":    homeID,
		},
		map[string]any{"online": value},
		at,
	))
}

// StateFields extracts top-level numbers and booleans from a JSON object.
// Booleans become 0/1 so they chart alongside numbers. Strings, nested
// values and non-object input are ignored.
func StateFields(state json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(state, &obj); err != nil {
		return nil
	}

	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		switch x := v.(type) {
		case float64:
			fields[k] = x
		case bool:
			if x {
				fields[k] = 1
			} else {
				fields[k] = 0
			}
		}
	}
	return fields
}
