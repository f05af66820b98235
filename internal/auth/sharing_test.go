package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database/dbtest"
)

func TestShare(t *testing.T) {
	repo := NewPermissionRepository(dbtest.Open(t).DB)
	ctx := context.Background()

	if err := repo.Grant(ctx, &HomePermission{PrincipalID: "owner", HomeID: "home-1", Role: RoleOwner}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	tests := []struct {
		name      string
		principal string
		role      Role
		wantErr   error
	}{
		{"viewer", "friend", RoleViewer, nil},
		{"upgrade to user", "friend", RoleUser, nil},
		{"admin", "partner", RoleAdmin, nil},
		{"owner role not grantable", "friend", RoleOwner, ErrOwnerImmutable},
		{"unknown role", "friend", "root", ErrInvalidRole},
		{"owner cannot be demoted", "owner", RoleViewer, ErrOwnerImmutable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perm, err := repo.Share(ctx, "home-1", tt.principal, tt.role, "owner")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Share() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Share() error = %v", err)
			}
			if perm.Role != tt.role || perm.GrantedBy != "owner" {
				t.Errorf("Share() = %+v, want role %q granted by owner", perm, tt.role)
			}
		})
	}

	got, err := repo.Get(ctx, "owner", "home-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Role != RoleOwner {
		t.Errorf("owner role = %q after failed demotion, want owner", got.Role)
	}
}

func TestUnshare(t *testing.T) {
	repo := NewPermissionRepository(dbtest.Open(t).DB)
	ctx := context.Background()

	if err := repo.Grant(ctx, &HomePermission{PrincipalID: "owner", HomeID: "home-1", Role: RoleOwner}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if _, err := repo.Share(ctx, "home-1", "friend", RoleViewer, "owner"); err != nil {
		t.Fatalf("Share() error = %v", err)
	}

	if err := repo.Unshare(ctx, "home-1", "friend"); err != nil {
		t.Fatalf("Unshare() error = %v", err)
	}
	if _, err := repo.Get(ctx, "friend", "home-1"); !errors.Is(err, ErrPermissionNotFound) {
		t.Errorf("Get() after Unshare error = %v, want ErrPermissionNotFound", err)
	}
	if err := repo.Unshare(ctx, "home-1", "friend"); !errors.Is(err, ErrPermissionNotFound) {
		t.Errorf("second Unshare() error = %v, want ErrPermissionNotFound", err)
	}
	if err := repo.Unshare(ctx, "home-1", "owner"); !errors.Is(err, ErrOwnerImmutable) {
		t.Errorf("Unshare(owner) error = %v, want ErrOwnerImmutable", err)
	}
}
