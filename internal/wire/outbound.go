package wire

import (
	"encoding/json"
	"fmt"
)

// Pong answers a ping.
type Pong struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Request asks the gateway for data (get_devices, get_home_data).
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// Command carries a control intent to the gateway.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Payload   any    `json:"payload"`
}

// ControlPayload is the command payload for a single entity.
type ControlPayload struct {
	EntityID string `json:"entity_id"`
	Command  string `json:"command"`
	Value    any    `json:"value,omitempty"`
}

// ScenePayload is the command payload for running a scene.
type ScenePayload struct {
	SceneID string `json:"scene_id"`
	Command string `json:"command"`
}

// SceneCommand is the command name used in ScenePayload.
const SceneCommand = "run_scene"

// EncodePong builds a pong echoing timestamp. A missing timestamp is sent as null.
func EncodePong(timestamp json.RawMessage) ([]byte, error) {
	if len(timestamp) == 0 {
		timestamp = json.RawMessage("null")
	}
	return encode(Pong{Type: TypePong, Timestamp: timestamp})
}

// EncodeGetHomeData builds a full snapshot request.
func EncodeGetHomeData(requestID string) ([]byte, error) {
	return encode(Request{Type: TypeGetHomeData, RequestID: requestID})
}

// EncodeGetDevices builds an entity list request.
func EncodeGetDevices(requestID string) ([]byte, error) {
	return encode(Request{Type: TypeGetDevices, RequestID: requestID})
}

// EncodeCommand builds a command envelope.
func EncodeCommand(requestID string, payload any) ([]byte, error) {
	return encode(Command{Type: TypeCommand, RequestID: requestID, Payload: payload})
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return b, nil
}
