package auth

import (
	"errors"
	"time"
)

// Role is a principal's standing within one home.
type Role string

const (
	// RoleOwner paired or provisioned the home's gateway. Exactly one per home.
	RoleOwner Role = "owner"

	// RoleAdmin can control devices and share the home with others.
	RoleAdmin Role = "admin"

	// RoleUser can read and control devices.
	RoleUser Role = "user"

	// RoleViewer can only read cached state.
	RoleViewer Role = "viewer"
)

// ValidRoles lists every role a HomePermission may carry.
var ValidRoles = []Role{RoleOwner, RoleAdmin, RoleUser, RoleViewer}

// IsValidRole reports whether r is one of ValidRoles.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// GrantableRoles are the roles that can be handed out by sharing.
// Ownership only comes from pairing or provisioning.
var GrantableRoles = []Role{RoleAdmin, RoleUser, RoleViewer}

// HomePermission grants a principal a role in one home.
// Unique per (PrincipalID, HomeID).
type HomePermission struct {
	PrincipalID string    `json:"principal_id"`
	HomeID      string    `json:"home_id"`
	Role        Role      `json:"role"`
	GrantedBy   string    `json:"granted_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sentinel errors for auth operations.
var (
	// ErrAuthenticationFailed covers bad or missing credentials and invalid tokens.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAuthorizationDenied means the principal is known but lacks the role
	// the operation needs for that home.
	ErrAuthorizationDenied = errors.New("authorization denied")

	ErrTokenInvalid       = errors.New("invalid token")
	ErrPermissionNotFound = errors.New("permission not found")
	ErrInvalidRole        = errors.New("invalid role")
	ErrOwnerImmutable     = errors.New("owner permission cannot be granted or removed by sharing")
)
