package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
)

// PermissionRepository persists HomePermission rows.
type PermissionRepository interface {
	PermissionLookup
	Grant(ctx context.Context, perm *HomePermission) error
	Revoke(ctx context.Context, principalID, homeID string) error
	ListForPrincipal(ctx context.Context, principalID string) ([]HomePermission, error)
	ListForHome(ctx context.Context, homeID string) ([]HomePermission, error)
}

// SQLitePermissionRepository implements PermissionRepository using SQLite.
type SQLitePermissionRepository struct {
	db database.Querier
}

// NewPermissionRepository creates a SQLite-backed permission repository.
func NewPermissionRepository(db *sql.DB) *SQLitePermissionRepository {
	return &SQLitePermissionRepository{db: db}
}

// WithTx returns a repository whose statements run inside tx.
func (r *SQLitePermissionRepository) WithTx(tx *sql.Tx) *SQLitePermissionRepository {
	return &SQLitePermissionRepository{db: tx}
}

// Get returns the permission for (principalID, homeID) or ErrPermissionNotFound.
func (r *SQLitePermissionRepository) Get(ctx context.Context, principalID, homeID string) (*HomePermission, error) {
	var p HomePermission
	var grantedBy sql.NullString
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT principal_id, home_id, role, granted_by, created_at
		 FROM home_permissions WHERE principal_id = ? AND home_id = ?`,
		principalID, homeID,
	).Scan(&p.PrincipalID, &p.HomeID, &p.Role, &grantedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPermissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying home permission: %w", err)
	}

	p.GrantedBy = grantedBy.String
	p.CreatedAt = database.ParseTime(createdAt)
	return &p, nil
}

// Grant inserts the permission or replaces the role of an existing one.
func (r *SQLitePermissionRepository) Grant(ctx context.Context, perm *HomePermission) error {
	if !IsValidRole(perm.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, perm.Role)
	}
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO home_permissions (principal_id, home_id, role, granted_by, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (principal_id, home_id) DO UPDATE SET
		     role = excluded.role,
		     granted_by = excluded.granted_by`,
		perm.PrincipalID, perm.HomeID, string(perm.Role),
		database.NullString(perm.GrantedBy), database.FormatTime(perm.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("granting home permission: %w", err)
	}
	return nil
}

// Revoke deletes the permission. It returns ErrPermissionNotFound if none existed.
func (r *SQLitePermissionRepository) Revoke(ctx context.Context, principalID, homeID string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM home_permissions WHERE principal_id = ? AND home_id = ?",
		principalID, homeID)
	if err != nil {
		return fmt.Errorf("revoking home permission: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrPermissionNotFound
	}
	return nil
}

// ListForPrincipal returns every home the principal has a role in, oldest grant first.
func (r *SQLitePermissionRepository) ListForPrincipal(ctx context.Context, principalID string) ([]HomePermission, error) {
	return r.list(ctx,
		`SELECT principal_id, home_id, role, granted_by, created_at
		 FROM home_permissions WHERE principal_id = ? ORDER BY created_at, home_id`,
		principalID)
}

// ListForHome returns every principal with a role in the home.
func (r *SQLitePermissionRepository) ListForHome(ctx context.Context, homeID string) ([]HomePermission, error) {
	return r.list(ctx,
		`SELECT principal_id, home_id, role, granted_by, created_at
		 FROM home_permissions WHERE home_id = ? ORDER BY created_at, principal_id`,
		homeID)
}

func (r *SQLitePermissionRepository) list(ctx context.Context, query string, arg string) ([]HomePermission, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("listing home permissions: %w", err)
	}
	defer rows.Close()

	perms := []HomePermission{}
	for rows.Next() {
		var p HomePermission
		var grantedBy sql.NullString
		var createdAt string
		if err := rows.Scan(&p.PrincipalID, &p.HomeID, &p.Role, &grantedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning home permission: %w", err)
		}
		p.GrantedBy = grantedBy.String
		p.CreatedAt = database.ParseTime(createdAt)
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating home permissions: %w", err)
	}
	return perms, nil
}
