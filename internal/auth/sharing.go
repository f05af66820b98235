package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
)

// Share grants principalID one of GrantableRoles in homeID. An existing
// non-owner role is replaced; an owner is left untouched and
// ErrOwnerImmutable is returned.
func (r *SQLitePermissionRepository) Share(ctx context.Context, homeID, principalID string, role Role, grantedBy string) (*HomePermission, error) {
	if role == RoleOwner {
		return nil, ErrOwnerImmutable
	}
	if !slices.Contains(GrantableRoles, role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	perm := &HomePermission{
		PrincipalID: principalID,
		HomeID:      homeID,
		Role:        role,
		GrantedBy:   grantedBy,
		CreatedAt:   time.Now().UTC(),
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO home_permissions (principal_id, home_id, role, granted_by, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (principal_id, home_id) DO UPDATE SET
		     role = excluded.role,
		     granted_by = excluded.granted_by
		 WHERE home_permissions.role <> 'owner'`,
		perm.PrincipalID, perm.HomeID, string(perm.Role),
		database.NullString(perm.GrantedBy), database.FormatTime(perm.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("sharing home: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return nil, ErrOwnerImmutable
	}
	return r.Get(ctx, principalID, homeID)
}

// Unshare removes a non-owner permission. It returns ErrOwnerImmutable for
// the owner and ErrPermissionNotFound if there is nothing to remove.
func (r *SQLitePermissionRepository) Unshare(ctx context.Context, homeID, principalID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM home_permissions
		 WHERE principal_id = ? AND home_id = ? AND role <> 'owner'`,
		principalID, homeID)
	if err != nil {
		return fmt.Errorf("unsharing home: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows > 0 {
		return nil
	}

	if _, err := r.Get(ctx, principalID, homeID); err != nil {
		return err
	}
	return ErrOwnerImmutable
}
