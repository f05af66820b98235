package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Inbound message type discriminators.
const (
	TypePing            = "ping"
	TypeAck             = "ack"
	TypeStateUpdate     = "state_update"
	TypeState           = "state"
	TypeDevicesResponse = "devices_response"
	TypeHomeData        = "home_data"
	TypeSync            = "sync"
)

// Outbound message type discriminators.
const (
	TypePong        = "pong"
	TypeGetDevices  = "get_devices"
	TypeGetHomeData = "get_home_data"
	TypeCommand     = "command"
)

// EdgeID is an identifier assigned by the gateway. Gateways send it as a
// JSON number or string; it is always handled as a string.
type EdgeID string

// UnmarshalJSON accepts a string or an integer.
func (id *EdgeID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = EdgeID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("edge id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("edge id must be an integer: %s", n)
	}
	*id = EdgeID(n.String())
	return nil
}

// Entity is one controllable or observable point on the gateway.
type Entity struct {
	ID             EdgeID          `json:"id"`
	Name           string          `json:"name"`
	EntityType     string          `json:"entity_type"`
	Subtype        string          `json:"subtype"`
	State          json.RawMessage `json:"state,omitempty"`
	Capabilities   json.RawMessage `json:"capabilities,omitempty"`
	Unit           string          `json:"unit"`
	IsControllable *bool           `json:"is_controllable,omitempty"`
	DeviceID       EdgeID          `json:"device_id,omitempty"`
	DeviceName     string          `json:"device_name"`
	DeviceNodeName string          `json:"device_node_name"`
	Location       string          `json:"location"`
	StateTopic     string          `json:"state_topic"`
	CommandTopic   string          `json:"command_topic"`
}

// Scene is a named set of actions stored on the gateway.
type Scene struct {
	ID      EdgeID          `json:"id"`
	Name    string          `json:"name"`
	Actions json.RawMessage `json:"actions,omitempty"`
}

// Automation is a trigger/action rule stored on the gateway.
type Automation struct {
	ID              EdgeID          `json:"id"`
	Name            string          `json:"name"`
	Enabled         *bool           `json:"enabled,omitempty"`
	TriggerLogic    string          `json:"trigger_logic"`
	CooldownSeconds *int            `json:"cooldown_seconds,omitempty"`
	Triggers        json.RawMessage `json:"triggers,omitempty"`
	Actions         json.RawMessage `json:"actions,omitempty"`
}

// Location is a room or area on the gateway.
type Location struct {
	ID           EdgeID `json:"id"`
	Name         string `json:"name"`
	LocationType string `json:"location_type"`
}

// HomeInfo is the home metadata carried by a full snapshot.
type HomeInfo struct {
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}
