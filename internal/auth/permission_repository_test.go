package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database/dbtest"
)

func TestPermissionRepository_GrantAndGet(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewPermissionRepository(db.DB)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "usr-1", "home-1"); !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("Get() before grant error = %v, want ErrPermissionNotFound", err)
	}

	if err := repo.Grant(ctx, &HomePermission{PrincipalID: "usr-1", HomeID: "home-1", Role: RoleViewer, GrantedBy: "usr-0"}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	got, err := repo.Get(ctx, "usr-1", "home-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Role != RoleViewer || got.GrantedBy != "usr-0" {
		t.Errorf("Get() = %+v, want viewer granted by usr-0", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// Re-granting replaces the role rather than adding a second row.
	if err := repo.Grant(ctx, &HomePermission{PrincipalID: "usr-1", HomeID: "home-1", Role: RoleUser}); err != nil {
		t.Fatalf("Grant() upsert error = %v", err)
	}
	got, _ = repo.Get(ctx, "usr-1", "home-1")
	if got.Role != RoleUser {
		t.Errorf("Role after re-grant = %q, want user", got.Role)
	}

	perms, err := repo.ListForHome(ctx, "home-1")
	if err != nil {
		t.Fatalf("ListForHome() error = %v", err)
	}
	if len(perms) != 1 {
		t.Errorf("ListForHome() returned %d rows, want 1", len(perms))
	}
}

func TestPermissionRepository_GrantInvalidRole(t *testing.T) {
	repo := NewPermissionRepository(dbtest.Open(t).DB)
	err := repo.Grant(context.Background(), &HomePermission{PrincipalID: "u", HomeID: "h", Role: "root"})
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("Grant() error = %v, want ErrInvalidRole", err)
	}
}

func TestPermissionRepository_Revoke(t *testing.T) {
	repo := NewPermissionRepository(dbtest.Open(t).DB)
	ctx := context.Background()

	if err := repo.Revoke(ctx, "usr-1", "home-1"); !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("Revoke() of missing row error = %v, want ErrPermissionNotFound", err)
	}

	_ = repo.Grant(ctx, &HomePermission{PrincipalID: "usr-1", HomeID: "home-1", Role: RoleAdmin})
	if err := repo.Revoke(ctx, "usr-1", "home-1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := repo.Get(ctx, "usr-1", "home-1"); !errors.Is(err, ErrPermissionNotFound) {
		t.Errorf("Get() after revoke error = %v, want ErrPermissionNotFound", err)
	}
}

func TestPermissionRepository_ListForPrincipal(t *testing.T) {
	repo := NewPermissionRepository(dbtest.Open(t).DB)
	ctx := context.Background()

	for _, p := range []HomePermission{
		{PrincipalID: "usr-1", HomeID: "home-a", Role: RoleOwner},
		{PrincipalID: "usr-1", HomeID: "home-b", Role: RoleViewer},
		{PrincipalID: "usr-2", HomeID: "home-a", Role: RoleUser},
	} {
		if err := repo.Grant(ctx, &p); err != nil {
			t.Fatalf("Grant() error = %v", err)
		}
	}

	perms, err := repo.ListForPrincipal(ctx, "usr-1")
	if err != nil {
		t.Fatalf("ListForPrincipal() error = %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("ListForPrincipal() returned %d rows, want 2", len(perms))
	}

	none, err := repo.ListForPrincipal(ctx, "usr-9")
	if err != nil {
		t.Fatalf("ListForPrincipal() error = %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("ListForPrincipal() for unknown principal = %v, want empty slice", none)
	}
}

func TestPermissionRepository_WithTxRollsBack(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewPermissionRepository(db.DB)
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := database.WithTx(ctx, db.DB, func(tx *sql.Tx) error {
		if err := repo.WithTx(tx).Grant(ctx, &HomePermission{PrincipalID: "u", HomeID: "h", Role: RoleOwner}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("WithTx() error = %v, want errAbort", err)
	}
	if _, err := repo.Get(ctx, "u", "h"); !errors.Is(err, ErrPermissionNotFound) {
		t.Errorf("grant survived a rolled back transaction: %v", err)
	}
}
