package homecache

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/wire"
)

// ErrNotSynced means no snapshot has been received for the home yet.
var ErrNotSynced = errors.New("home not synced yet")

// Defaults for fields a gateway may omit.
const (
	defaultTriggerLogic    = "AND"
	defaultCooldownSeconds = 60
	unknownDeviceName      = "Unknown Device"
)

// Home is the parent record of a cached snapshot.
type Home struct {
	HomeID          string    `json:"id"`
	GatewayID       string    `json:"gateway_id"`
	Name            string    `json:"name"`
	Timezone        string    `json:"timezone"`
	EntityCount     int       `json:"entity_count"`
	SceneCount      int       `json:"scene_count"`
	AutomationCount int       `json:"automation_count"`
	LocationCount   int       `json:"location_count"`
	LastSyncedAt    time.Time `json:"last_synced_at"`
}

// Entity is a cached entity.
type Entity struct {
	EdgeID         string          `json:"edge_id"`
	Name           string          `json:"name"`
	EntityType     string          `json:"entity_type"`
	Subtype        string          `json:"subtype"`
	State          json.RawMessage `json:"state"`
	Capabilities   json.RawMessage `json:"capabilities"`
	Unit           string          `json:"unit"`
	IsControllable bool            `json:"is_controllable"`
	DeviceID       string          `json:"device_id"`
	DeviceName     string          `json:"device_name"`
	DeviceNodeName string          `json:"device_node_name"`
	Location       string          `json:"location"`
	StateTopic     string          `json:"state_topic,omitempty"`
	CommandTopic   string          `json:"command_topic,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Scene is a cached scene.
type Scene struct {
	EdgeID    string          `json:"edge_id"`
	Name      string          `json:"name"`
	Actions   json.RawMessage `json:"actions"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Automation is a cached automation rule.
type Automation struct {
	EdgeID          string          `json:"edge_id"`
	Name            string          `json:"name"`
	Enabled         bool            `json:"enabled"`
	TriggerLogic    string          `json:"trigger_logic"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	Triggers        json.RawMessage `json:"triggers"`
	Actions         json.RawMessage `json:"actions"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Location is a cached room or area.
type Location struct {
	EdgeID       string    `json:"edge_id"`
	Name         string    `json:"name"`
	LocationType string    `json:"location_type"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Snapshot is a full home graph ready to be applied.
type Snapshot struct {
	Name        string
	Timezone    string
	Entities    []Entity
	Scenes      []Scene
	Automations []Automation
	Locations   []Location
}

// HomeData is every cached collection of one home.
type HomeData struct {
	Home        Home         `json:"home"`
	Entities    []Entity     `json:"entities"`
	Scenes      []Scene      `json:"scenes"`
	Automations []Automation `json:"automations"`
	Locations   []Location   `json:"locations"`
}

// Device groups entities that share a device name.
type Device struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	NodeName string   `json:"node_name"`
	IsOnline bool     `json:"is_online"`
	Entities []Entity `json:"entities"`
}

// SnapshotFromWire converts a home_data message.
func SnapshotFromWire(m *wire.HomeData) Snapshot {
	snap := Snapshot{
		Name:        m.Home.Name,
		Timezone:    m.Home.Timezone,
		Entities:    EntitiesFromWire(m.Entities),
		Scenes:      make([]Scene, 0, len(m.Scenes)),
		Automations: make([]Automation, 0, len(m.Automations)),
		Locations:   make([]Location, 0, len(m.Locations)),
	}
	for _, s := range m.Scenes {
		snap.Scenes = append(snap.Scenes, Scene{
			EdgeID:  string(s.ID),
			Name:    s.Name,
			Actions: rawOr(s.Actions, "[]"),
		})
	}
	for _, a := range m.Automations {
		auto := Automation{
			EdgeID:          string(a.ID),
			Name:            a.Name,
			Enabled:         a.Enabled == nil || *a.Enabled,
			TriggerLogic:    a.TriggerLogic,
			CooldownSeconds: defaultCooldownSeconds,
			Triggers:        rawOr(a.Triggers, "[]"),
			Actions:         rawOr(a.Actions, "[]"),
		}
		if auto.TriggerLogic == "" {
			auto.TriggerLogic = defaultTriggerLogic
		}
		if a.CooldownSeconds != nil {
			auto.CooldownSeconds = *a.CooldownSeconds
		}
		snap.Automations = append(snap.Automations, auto)
	}
	for _, l := range m.Locations {
		snap.Locations = append(snap.Locations, Location{
			EdgeID:       string(l.ID),
			Name:         l.Name,
			LocationType: l.LocationType,
		})
	}
	return snap
}

// EntitiesFromWire converts gateway entities. A missing is_controllable
// means the entity is read-only.
func EntitiesFromWire(in []wire.Entity) []Entity {
	out := make([]Entity, 0, len(in))
	for _, e := range in {
		out = append(out, Entity{
			EdgeID:         string(e.ID),
			Name:           e.Name,
			EntityType:     e.EntityType,
			Subtype:        e.Subtype,
			State:          rawOr(e.State, "{}"),
			Capabilities:   rawOr(e.Capabilities, "{}"),
			Unit:           e.Unit,
			IsControllable: e.IsControllable != nil && *e.IsControllable,
			DeviceID:       string(e.DeviceID),
			DeviceName:     e.DeviceName,
			DeviceNodeName: e.DeviceNodeName,
			Location:       e.Location,
			StateTopic:     e.StateTopic,
			CommandTopic:   e.CommandTopic,
		})
	}
	return out
}

// GroupDevices groups entities by device name, keeping first-seen order.
// Entities without a device name land in "Unknown Device".
func GroupDevices(entities []Entity, online bool) []Device {
	devices := []Device{}
	byName := map[string]int{}
	for _, e := range entities {
		name := e.DeviceName
		if name == "" {
			name = unknownDeviceName
		}
		i, ok := byName[name]
		if !ok {
			d := Device{ID: e.DeviceID, Name: name, NodeName: e.DeviceNodeName, IsOnline: online, Entities: []Entity{}}
			if d.ID == "" {
				d.ID = name
			}
			if d.NodeName == "" {
				d.NodeName = name
			}
			devices = append(devices, d)
			i = len(devices) - 1
			byName[name] = i
		}
		devices[i].Entities = append(devices[i].Entities, e)
	}
	return devices
}

func rawOr(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(fallback)
	}
	return raw
}
