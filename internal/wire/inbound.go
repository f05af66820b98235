package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned for frames that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// Inbound is a decoded gateway-to-relay message. The set of implementations
// is closed; switch on the concrete type.
type Inbound interface {
	inbound()
	// MessageType is the canonical type name, used for logs and metrics.
	MessageType() string
}

// Ping is the gateway heartbeat. Timestamp is echoed back verbatim.
type Ping struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Ack reports the outcome of a command.
type Ack struct {
	RequestID string          `json:"request_id"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Succeeded treats a missing success field as success.
func (a *Ack) Succeeded() bool {
	return a.Success == nil || *a.Success
}

// StateUpdate pushes the current state of one entity.
type StateUpdate struct {
	EntityID EdgeID          `json:"entity_id"`
	State    json.RawMessage `json:"state"`
}

// DevicesResponse answers get_devices with the full entity list.
type DevicesResponse struct {
	RequestID string   `json:"request_id,omitempty"`
	Devices   []Entity `json:"devices"`
}

// HomeData is a full snapshot, the answer to get_home_data.
type HomeData struct {
	RequestID   string       `json:"request_id,omitempty"`
	Home        HomeInfo     `json:"home"`
	Entities    []Entity     `json:"entities"`
	Scenes      []Scene      `json:"scenes"`
	Automations []Automation `json:"automations"`
	Locations   []Location   `json:"locations"`
}

// Unknown is any message whose type the relay does not handle.
type Unknown struct {
	Type string
}

func (*Ping) inbound()            {}
func (*Ack) inbound()             {}
func (*StateUpdate) inbound()     {}
func (*DevicesResponse) inbound() {}
func (*HomeData) inbound()        {}
func (*Unknown) inbound()         {}

func (*Ping) MessageType() string            { return TypePing }
func (*Ack) MessageType() string             { return TypeAck }
func (*StateUpdate) MessageType() string     { return TypeStateUpdate }
func (*DevicesResponse) MessageType() string { return TypeDevicesResponse }
func (*HomeData) MessageType() string        { return TypeHomeData }
func (u *Unknown) MessageType() string       { return u.Type }

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	var msg Inbound
	switch env.Type {
	case TypePing:
		msg = &Ping{}
	case TypeAck:
		msg = &Ack{}
	case TypeStateUpdate, TypeState:
		msg = &StateUpdate{}
	case TypeDevicesResponse:
		msg = &DevicesResponse{}
	case TypeHomeData, TypeSync:
		msg = &HomeData{}
	default:
		return &Unknown{Type: env.Type}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedMessage, env.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedMessage, env.Type, err)
	}
	return msg, nil
}

func validate(msg Inbound) error {
	switch m := msg.(type) {
	case *Ack:
		if m.RequestID == "" {
			return errors.New("missing request_id")
		}
	case *StateUpdate:
		if m.EntityID == "" {
			return errors.New("missing entity_id")
		}
		if !isObject(m.State) {
			return errors.New("state must be an object")
		}
	case *DevicesResponse:
		return checkIDs(len(m.Devices), func(i int) EdgeID { return m.Devices[i].ID })
	case *HomeData:
		if err := checkIDs(len(m.Entities), func(i int) EdgeID { return m.Entities[i].ID }); err != nil {
			return err
		}
		if err := checkIDs(len(m.Scenes), func(i int) EdgeID { return m.Scenes[i].ID }); err != nil {
			return err
		}
		if err := checkIDs(len(m.Automations), func(i int) EdgeID { return m.Automations[i].ID }); err != nil {
			return err
		}
		return checkIDs(len(m.Locations), func(i int) EdgeID { return m.Locations[i].ID })
	}
	return nil
}

func checkIDs(n int, id func(int) EdgeID) error {
	for i := range n {
		if id(i) == "" {
			return fmt.Errorf("item %d has no id", i)
		}
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return len(raw) > 0 && json.Unmarshal(raw, &obj) == nil && obj != nil
}
