// Package audit records relay activity (pairing, provisioning, revocation,
// sharing and relayed commands) in the audit_logs table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
)

// Actions recorded by the relay.
const (
	ActionPairingRequested   = "pairing.requested"
	ActionPairingCompleted   = "pairing.completed"
	ActionGatewayProvisioned = "gateway.provisioned"
	ActionGatewayRevoked     = "gateway.revoked"
	ActionPermissionGranted  = "permission.granted"
	ActionPermissionRevoked  = "permission.revoked"
	ActionCommandRelayed     = "command.relayed"
)

// Sources identify which surface produced an entry.
const (
	SourceAPI    = "api"
	SourceClient = "client_ws"
)

// Entry is a single audit trail record.
type Entry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	HomeID      string         `json:"home_id,omitempty"`
	GatewayID   string         `json:"gateway_id,omitempty"`
	PrincipalID string         `json:"principal_id,omitempty"`
	Source      string         `json:"source"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	HomeID string // required by the API; optional here
	Action string
	Limit  int // default 50, max 200
	Offset int
}

// ListResult is one page of entries.
type ListResult struct {
	Logs   []Entry `json:"logs"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository defines audit persistence.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var details any
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		details = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, home_id, gateway_id, principal_id, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action,
		database.NullString(e.HomeID), database.NullString(e.GatewayID), database.NullString(e.PrincipalID),
		e.Source, details, database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.HomeID != "" {
		conditions = append(conditions, "home_id = ?")
		args = append(args, filter.HomeID)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + where //nolint:gosec // parameterised conditions only
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}

	query := "SELECT id, action, home_id, gateway_id, principal_id, source, details, created_at FROM audit_logs " + //nolint:gosec // parameterised conditions only
		where + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	logs := []Entry{}
	for rows.Next() {
		var e Entry
		var homeID, gatewayID, principalID, details sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Action, &homeID, &gatewayID, &principalID,
			&e.Source, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit log: %w", err)
		}
		e.HomeID = homeID.String
		e.GatewayID = gatewayID.String
		e.PrincipalID = principalID.String
		if details.Valid && details.String != "" {
			var d map[string]any
			if json.Unmarshal([]byte(details.String), &d) == nil {
				e.Details = d
			}
		}
		e.CreatedAt = database.ParseTime(createdAt)
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit logs: %w", err)
	}

	return &ListResult{Logs: logs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}
