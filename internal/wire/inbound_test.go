package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, msg Inbound)
	}{
		{
			name:  "ping keeps raw timestamp",
			input: `{"type":"ping","timestamp":1719830400.5}`,
			check: func(t *testing.T, msg Inbound) {
				p, ok := msg.(*Ping)
				if !ok {
					t.Fatalf("got %T, want *Ping", msg)
				}
				if string(p.Timestamp) != "1719830400.5" {
					t.Errorf("Timestamp = %s", p.Timestamp)
				}
			},
		},
		{
			name:  "ack",
			input: `{"type":"ack","request_id":"r-1","success":false,"error":"unreachable"}`,
			check: func(t *testing.T, msg Inbound) {
				a := msg.(*Ack)
				if a.RequestID != "r-1" || a.Succeeded() || a.Error != "unreachable" {
					t.Errorf("Ack = %+v", a)
				}
			},
		},
		{
			name:  "ack without success field counts as success",
			input: `{"type":"ack","request_id":"r-2"}`,
			check: func(t *testing.T, msg Inbound) {
				if !msg.(*Ack).Succeeded() {
					t.Error("Succeeded() = false")
				}
			},
		},
		{
			name:  "state update with numeric entity id",
			input: `{"type":"state_update","entity_id":42,"state":{"on":true}}`,
			check: func(t *testing.T, msg Inbound) {
				su := msg.(*StateUpdate)
				if su.EntityID != "42" {
					t.Errorf("EntityID = %q, want 42", su.EntityID)
				}
			},
		},
		{
			name:  "state alias",
			input: `{"type":"state","entity_id":"light.kitchen","state":{"brightness":80}}`,
			check: func(t *testing.T, msg Inbound) {
				if msg.MessageType() != TypeStateUpdate {
					t.Errorf("MessageType() = %q", msg.MessageType())
				}
			},
		},
		{
			name:  "devices response",
			input: `{"type":"devices_response","devices":[{"id":1,"name":"Lamp","device_id":null},{"id":"2","name":"Fan"}]}`,
			check: func(t *testing.T, msg Inbound) {
				d := msg.(*DevicesResponse)
				if len(d.Devices) != 2 || d.Devices[0].ID != "1" || d.Devices[1].ID != "2" {
					t.Errorf("Devices = %+v", d.Devices)
				}
			},
		},
		{
			name: "sync alias is a full snapshot",
			input: `{"type":"sync","request_id":"r-3","home":{"name":"Cabin","timezone":"Europe/Oslo"},
				"entities":[{"id":1}],"scenes":[{"id":5,"actions":[]}],
				"automations":[{"id":"a","enabled":false}],"locations":[{"id":9,"location_type":"room"}]}`,
			check: func(t *testing.T, msg Inbound) {
				h := msg.(*HomeData)
				if h.Home.Name != "Cabin" || len(h.Entities) != 1 || len(h.Locations) != 1 {
					t.Errorf("HomeData = %+v", h)
				}
				if h.Automations[0].Enabled == nil || *h.Automations[0].Enabled {
					t.Error("automation enabled flag lost")
				}
			},
		},
		{
			name:  "unknown type falls through",
			input: `{"type":"firmware_report","version":"2.1"}`,
			check: func(t *testing.T, msg Inbound) {
				u, ok := msg.(*Unknown)
				if !ok || u.Type != "firmware_report" {
					t.Errorf("got %#v, want Unknown{firmware_report}", msg)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	inputs := map[string]string{
		"not json":           `{"type":`,
		"array":              `[1,2]`,
		"missing type":       `{"request_id":"x"}`,
		"ack without id":     `{"type":"ack"}`,
		"state not object":   `{"type":"state_update","entity_id":"x","state":5}`,
		"state missing":      `{"type":"state_update","entity_id":"x"}`,
		"entity without id":  `{"type":"home_data","entities":[{"name":"x"}]}`,
		"fractional edge id": `{"type":"devices_response","devices":[{"id":1.5}]}`,
		"wrong field type":   `{"type":"devices_response","devices":"nope"}`,
		"state update no id": `{"type":"state","state":{}}`,
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("Decode(%s) error = %v, want ErrMalformedMessage", input, err)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	pong, err := EncodePong(json.RawMessage(`"2026-03-01T12:00:00Z"`))
	if err != nil {
		t.Fatalf("EncodePong() error = %v", err)
	}
	if string(pong) != `{"type":"pong","timestamp":"2026-03-01T12:00:00Z"}` {
		t.Errorf("EncodePong() = %s", pong)
	}

	pong, _ = EncodePong(nil)
	if string(pong) != `{"type":"pong","timestamp":null}` {
		t.Errorf("EncodePong(nil) = %s", pong)
	}

	cmd, err := EncodeCommand("r-1", ControlPayload{EntityID: "7", Command: "turn_on"})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	want := `{"type":"command","request_id":"r-1","payload":{"entity_id":"7","command":"turn_on"}}`
	if string(cmd) != want {
		t.Errorf("EncodeCommand() = %s, want %s", cmd, want)
	}

	req, _ := EncodeGetHomeData("r-2")
	if string(req) != `{"type":"get_home_data","request_id":"r-2"}` {
		t.Errorf("EncodeGetHomeData() = %s", req)
	}
}
