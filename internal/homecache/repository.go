package homecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
)

// Repository defines persistence for the home cache.
type Repository interface {
	GetHome(ctx context.Context, homeID string) (*Home, error)
	ReplaceSnapshot(ctx context.Context, homeID, gatewayID string, snap Snapshot, at time.Time) error
	ReplaceEntities(ctx context.Context, homeID string, entities []Entity, at time.Time) error
	MergeEntityState(ctx context.Context, homeID, edgeID string, state json.RawMessage, at time.Time) (bool, error)
	ListEntities(ctx context.Context, homeID string) ([]Entity, error)
	ListScenes(ctx context.Context, homeID string) ([]Scene, error)
	ListAutomations(ctx context.Context, homeID string) ([]Automation, error)
	ListLocations(ctx context.Context, homeID string) ([]Location, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a SQLite-backed cache repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetHome returns the snapshot parent row, or ErrNotSynced.
func (r *SQLiteRepository) GetHome(ctx context.Context, homeID string) (*Home, error) {
	var h Home
	var syncedAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT home_id, gateway_id, name, timezone, entity_count, scene_count,
			automation_count, location_count, last_synced_at
		FROM home_snapshots WHERE home_id = ?`, homeID,
	).Scan(&h.HomeID, &h.GatewayID, &h.Name, &h.Timezone, &h.EntityCount, &h.SceneCount,
		&h.AutomationCount, &h.LocationCount, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotSynced
	}
	if err != nil {
		return nil, fmt.Errorf("querying home snapshot: %w", err)
	}
	h.LastSyncedAt = database.ParseTime(syncedAt)
	return &h, nil
}

// ReplaceSnapshot replaces all four collections and the parent row in one
// transaction.
func (r *SQLiteRepository) ReplaceSnapshot(ctx context.Context, homeID, gatewayID string, snap Snapshot, at time.Time) error {
	ts := database.FormatTime(at)
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		entities, err := replaceEntities(ctx, tx, homeID, snap.Entities, ts)
		if err != nil {
			return err
		}
		scenes, err := replaceScenes(ctx, tx, homeID, snap.Scenes, ts)
		if err != nil {
			return err
		}
		automations, err := replaceAutomations(ctx, tx, homeID, snap.Automations, ts)
		if err != nil {
			return err
		}
		locations, err := replaceLocations(ctx, tx, homeID, snap.Locations, ts)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO home_snapshots (home_id, gateway_id, name, timezone, entity_count,
				scene_count, automation_count, location_count, last_synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (home_id) DO UPDATE SET
				gateway_id = excluded.gateway_id,
				name = excluded.name,
				timezone = excluded.timezone,
				entity_count = excluded.entity_count,
				scene_count = excluded.scene_count,
				automation_count = excluded.automation_count,
				location_count = excluded.location_count,
				last_synced_at = excluded.last_synced_at`,
			homeID, gatewayID, snap.Name, snap.Timezone, entities, scenes, automations, locations, ts)
		if err != nil {
			return fmt.Errorf("upserting home snapshot: %w", err)
		}
		return nil
	})
}

// ReplaceEntities replaces only the entity collection. The parent row's
// entity count is refreshed if the home has synced before; last_synced_at
// is left alone.
func (r *SQLiteRepository) ReplaceEntities(ctx context.Context, homeID string, list []Entity, at time.Time) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		n, err := replaceEntities(ctx, tx, homeID, list, database.FormatTime(at))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE home_snapshots SET entity_count = ? WHERE home_id = ?", n, homeID); err != nil {
			return fmt.Errorf("updating entity count: %w", err)
		}
		return nil
	})
}

// MergeEntityState applies state as a JSON merge patch (RFC 7396) to an
// existing entity: keys in state overwrite cached keys, other cached keys
// stay, and a key set to null is removed. It reports false when the entity
// is not cached.
func (r *SQLiteRepository) MergeEntityState(ctx context.Context, homeID, edgeID string, state json.RawMessage, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE cached_entities SET state = json_patch(state, ?), updated_at = ?
		WHERE home_id = ? AND edge_id = ?`,
		string(state), database.FormatTime(at), homeID, edgeID)
	if err != nil {
		return false, fmt.Errorf("merging entity state: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return rows > 0, nil
}

// ListEntities returns a home's entities ordered by device and name.
func (r *SQLiteRepository) ListEntities(ctx context.Context, homeID string) ([]Entity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT edge_id, name, entity_type, subtype, state, capabilities, unit, is_controllable,
			device_id, device_name, device_node_name, location, state_topic, command_topic, updated_at
		FROM cached_entities WHERE home_id = ?
		ORDER BY device_name, name, edge_id`, homeID)
	if err != nil {
		return nil, fmt.Errorf("listing cached entities: %w", err)
	}
	defer rows.Close()

	out := []Entity{}
	for rows.Next() {
		var e Entity
		var state, caps, updatedAt string
		var controllable int
		if err := rows.Scan(&e.EdgeID, &e.Name, &e.EntityType, &e.Subtype, &state, &caps, &e.Unit,
			&controllable, &e.DeviceID, &e.DeviceName, &e.DeviceNodeName, &e.Location,
			&e.StateTopic, &e.CommandTopic, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning cached entity: %w", err)
		}
		e.State = json.RawMessage(state)
		e.Capabilities = json.RawMessage(caps)
		e.IsControllable = controllable != 0
		e.UpdatedAt = database.ParseTime(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListScenes returns a home's scenes ordered by name.
func (r *SQLiteRepository) ListScenes(ctx context.Context, homeID string) ([]Scene, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT edge_id, name, actions, updated_at
		FROM cached_scenes WHERE home_id = ? ORDER BY name, edge_id`, homeID)
	if err != nil {
		return nil, fmt.Errorf("listing cached scenes: %w", err)
	}
	defer rows.Close()

	out := []Scene{}
	for rows.Next() {
		var s Scene
		var actions, updatedAt string
		if err := rows.Scan(&s.EdgeID, &s.Name, &actions, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning cached scene: %w", err)
		}
		s.Actions = json.RawMessage(actions)
		s.UpdatedAt = database.ParseTime(updatedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListAutomations returns a home's automations ordered by name.
func (r *SQLiteRepository) ListAutomations(ctx context.Context, homeID string) ([]Automation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT edge_id, name, enabled, trigger_logic, cooldown_seconds, triggers, actions, updated_at
		FROM cached_automations WHERE home_id = ? ORDER BY name, edge_id`, homeID)
	if err != nil {
		return nil, fmt.Errorf("listing cached automations: %w", err)
	}
	defer rows.Close()

	out := []Automation{}
	for rows.Next() {
		var a Automation
		var enabled int
		var triggers, actions, updatedAt string
		if err := rows.Scan(&a.EdgeID, &a.Name, &enabled, &a.TriggerLogic, &a.CooldownSeconds,
			&triggers, &actions, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning cached automation: %w", err)
		}
		a.Enabled = enabled != 0
		a.Triggers = json.RawMessage(triggers)
		a.Actions = json.RawMessage(actions)
		a.UpdatedAt = database.ParseTime(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListLocations returns a home's locations ordered by name.
func (r *SQLiteRepository) ListLocations(ctx context.Context, homeID string) ([]Location, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT edge_id, name, location_type, updated_at
		FROM cached_locations WHERE home_id = ? ORDER BY name, edge_id`, homeID)
	if err != nil {
		return nil, fmt.Errorf("listing cached locations: %w", err)
	}
	defer rows.Close()

	out := []Location{}
	for rows.Next() {
		var l Location
		var updatedAt string
		if err := rows.Scan(&l.EdgeID, &l.Name, &l.LocationType, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning cached location: %w", err)
		}
		l.UpdatedAt = database.ParseTime(updatedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// pruneMissing deletes the home's rows in table whose edge_id is not in keep.
// It returns the number of distinct ids kept.
func pruneMissing(ctx context.Context, tx *sql.Tx, table, homeID string, keep []string) (int, error) {
	set := make(map[string]struct{}, len(keep))
	ids := make([]string, 0, len(keep))
	for _, id := range keep {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		ids = append(ids, id)
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return 0, fmt.Errorf("encoding %s ids: %w", table, err)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE home_id = ? AND edge_id NOT IN (SELECT value FROM json_each(?))", //nolint:gosec // table is a constant
		homeID, string(idsJSON))
	if err != nil {
		return 0, fmt.Errorf("pruning %s: %w", table, err)
	}
	return len(ids), nil
}

func replaceEntities(ctx context.Context, tx *sql.Tx, homeID string, list []Entity, ts string) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_entities (home_id, edge_id, name, entity_type, subtype, state, capabilities,
			unit, is_controllable, device_id, device_name, device_node_name, location,
			state_topic, command_topic, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (home_id, edge_id) DO UPDATE SET
			name = excluded.name,
			entity_type = excluded.entity_type,
			subtype = excluded.subtype,
			state = excluded.state,
			capabilities = excluded.capabilities,
			unit = excluded.unit,
			is_controllable = excluded.is_controllable,
			device_id = excluded.device_id,
			device_name = excluded.device_name,
			device_node_name = excluded.device_node_name,
			location = excluded.location,
			state_topic = excluded.state_topic,
			command_topic = excluded.command_topic,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("preparing entity upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(list))
	for _, e := range list {
		_, err := stmt.ExecContext(ctx, homeID, e.EdgeID, e.Name, e.EntityType, e.Subtype,
			string(rawOr(e.State, "{}")), string(rawOr(e.Capabilities, "{}")), e.Unit,
			database.BoolToInt(e.IsControllable), e.DeviceID, e.DeviceName, e.DeviceNodeName,
			e.Location, e.StateTopic, e.CommandTopic, ts)
		if err != nil {
			return 0, fmt.Errorf("upserting entity %s: %w", e.EdgeID, err)
		}
		ids = append(ids, e.EdgeID)
	}
	return pruneMissing(ctx, tx, "cached_entities", homeID, ids)
}

func replaceScenes(ctx context.Context, tx *sql.Tx, homeID string, list []Scene, ts string) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_scenes (home_id, edge_id, name, actions, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (home_id, edge_id) DO UPDATE SET
			name = excluded.name,
			actions = excluded.actions,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("preparing scene upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(list))
	for _, s := range list {
		if _, err := stmt.ExecContext(ctx, homeID, s.EdgeID, s.Name, string(rawOr(s.Actions, "[]")), ts); err != nil {
			return 0, fmt.Errorf("upserting scene %s: %w", s.EdgeID, err)
		}
		ids = append(ids, s.EdgeID)
	}
	return pruneMissing(ctx, tx, "cached_scenes", homeID, ids)
}

func replaceAutomations(ctx context.Context, tx *sql.Tx, homeID string, list []Automation, ts string) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_automations (home_id, edge_id, name, enabled, trigger_logic,
			cooldown_seconds, triggers, actions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (home_id, edge_id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			trigger_logic = excluded.trigger_logic,
			cooldown_seconds = excluded.cooldown_seconds,
			triggers = excluded.triggers,
			actions = excluded.actions,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("preparing automation upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(list))
	for _, a := range list {
		_, err := stmt.ExecContext(ctx, homeID, a.EdgeID, a.Name, database.BoolToInt(a.Enabled),
			a.TriggerLogic, a.CooldownSeconds, string(rawOr(a.Triggers, "[]")),
			string(rawOr(a.Actions, "[]")), ts)
		if err != nil {
			return 0, fmt.Errorf("upserting automation %s: %w", a.EdgeID, err)
		}
		ids = append(ids, a.EdgeID)
	}
	return pruneMissing(ctx, tx, "cached_automations", homeID, ids)
}

func replaceLocations(ctx context.Context, tx *sql.Tx, homeID string, list []Location, ts string) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_locations (home_id, edge_id, name, location_type, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (home_id, edge_id) DO UPDATE SET
			name = excluded.name,
			location_type = excluded.location_type,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("preparing location upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(list))
	for _, l := range list {
		if _, err := stmt.ExecContext(ctx, homeID, l.EdgeID, l.Name, l.LocationType, ts); err != nil {
			return 0, fmt.Errorf("upserting location %s: %w", l.EdgeID, err)
		}
		ids = append(ids, l.EdgeID)
	}
	return pruneMissing(ctx, tx, "cached_locations", homeID, ids)
}
