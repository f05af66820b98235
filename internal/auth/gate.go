package auth

import (
	"context"
	"errors"
	"fmt"
)

// PermissionLookup is the read side of the permission store the Gate needs.
type PermissionLookup interface {
	Get(ctx context.Context, principalID, homeID string) (*HomePermission, error)
}

// Gate decides whether a principal may perform an operation on a home.
//
// Callers evaluate it once per external request, before touching the relay
// or the cache, and pass the outcome down rather than asking again.
type Gate struct {
	perms PermissionLookup
}

// NewGate creates a Gate backed by perms.
func NewGate(perms PermissionLookup) *Gate {
	return &Gate{perms: perms}
}

// Authorize returns the principal's role in homeID when that role grants
// capability. It returns ErrAuthorizationDenied when there is no permission
// or the role is insufficient, and ErrAuthenticationFailed for an empty
// principal. Store failures are returned as-is so they are not mistaken for
// a denial.
func (g *Gate) Authorize(ctx context.Context, principalID, homeID string, capability Capability) (Role, error) {
	if principalID == "" {
		return "", ErrAuthenticationFailed
	}
	if homeID == "" {
		return "", fmt.Errorf("%w: no home specified", ErrAuthorizationDenied)
	}

	perm, err := g.perms.Get(ctx, principalID, homeID)
	if errors.Is(err, ErrPermissionNotFound) {
		return "", fmt.Errorf("%w: no access to home %s", ErrAuthorizationDenied, homeID)
	}
	if err != nil {
		return "", fmt.Errorf("looking up home permission: %w", err)
	}

	if !Allows(perm.Role, capability) {
		return perm.Role, fmt.Errorf("%w: role %s cannot %s", ErrAuthorizationDenied, perm.Role, capability)
	}
	return perm.Role, nil
}
