package auth

// Capability is what an operation needs from the caller's role.
type Capability string

// Capability constants.
const (
	// CapRead covers cached reads and status queries.
	CapRead Capability = "read"

	// CapControl covers commands relayed to the gateway.
	CapControl Capability = "control"

	// CapManage covers sharing, revocation and audit access.
	CapManage Capability = "manage"
)

// roleCapabilities is the single source of truth for the authorisation model.
var roleCapabilities = map[Role][]Capability{
	RoleViewer: {CapRead},
	RoleUser:   {CapRead, CapControl},
	RoleAdmin:  {CapRead, CapControl, CapManage},
	RoleOwner:  {CapRead, CapControl, CapManage},
}

// Allows reports whether role grants capability. Unknown roles grant nothing.
func Allows(role Role, capability Capability) bool {
	for _, c := range roleCapabilities[role] {
		if c == capability {
			return true
		}
	}
	return false
}

// CanControl is Allows(role, CapControl).
func CanControl(role Role) bool {
	return Allows(role, CapControl)
}

// CanManage is Allows(role, CapManage).
func CanManage(role Role) bool {
	return Allows(role, CapManage)
}

// CapabilitiesForRole returns a copy of the capabilities granted to role.
func CapabilitiesForRole(role Role) []Capability {
	caps := roleCapabilities[role]
	if caps == nil {
		return nil
	}
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}
