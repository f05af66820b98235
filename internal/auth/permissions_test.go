package auth

import "testing"

func TestAllows(t *testing.T) {
	tests := []struct {
		role Role
		cap  Capability
		want bool
	}{
		{RoleOwner, CapRead, true},
		{RoleOwner, CapControl, true},
		{RoleOwner, CapManage, true},
		{RoleAdmin, CapRead, true},
		{RoleAdmin, CapControl, true},
		{RoleAdmin, CapManage, true},
		{RoleUser, CapRead, true},
		{RoleUser, CapControl, true},
		{RoleUser, CapManage, false},
		{RoleViewer, CapRead, true},
		{RoleViewer, CapControl, false},
		{RoleViewer, CapManage, false},
		{Role("guest"), CapRead, false},
		{RoleOwner, Capability("delete"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.cap), func(t *testing.T) {
			if got := Allows(tt.role, tt.cap); got != tt.want {
				t.Errorf("Allows(%q, %q) = %v, want %v", tt.role, tt.cap, got, tt.want)
			}
		})
	}
}

func TestCapabilitiesForRole_ReturnsCopy(t *testing.T) {
	caps := CapabilitiesForRole(RoleViewer)
	if len(caps) != 1 || caps[0] != CapRead {
		t.Fatalf("CapabilitiesForRole(viewer) = %v, want [read]", caps)
	}
	caps[0] = CapManage

	if CanManage(RoleViewer) {
		t.Error("mutating the returned slice changed the role model")
	}
	if CapabilitiesForRole(Role("nobody")) != nil {
		t.Error("unknown role should have no capabilities")
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range ValidRoles {
		if !IsValidRole(r) {
			t.Errorf("IsValidRole(%q) = false", r)
		}
	}
	if IsValidRole("superuser") {
		t.Error(`IsValidRole("superuser") = true`)
	}
}
