package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database/dbtest"
)

var cheapArgon = auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := dbtest.Open(t)
	return NewService(db.DB, auth.NewArgon2Hasher(cheapArgon))
}

func TestProvision(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollment, err := svc.Provision(ctx, "usr-1", "", "Kitchen Pi")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if enrollment.Secret == "" {
		t.Fatal("Provision() returned no secret")
	}
	if _, err := uuid.Parse(enrollment.HomeID); err != nil {
		t.Errorf("generated home id %q is not a UUID", enrollment.HomeID)
	}

	g, err := svc.Get(ctx, enrollment.GatewayID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if g.Status != StatusProvisioning {
		t.Errorf("Status = %q, want provisioning", g.Status)
	}
	if g.SecretHash == enrollment.Secret || g.SecretHash == "" {
		t.Error("plaintext secret persisted instead of a hash")
	}
	if g.Name != "Kitchen Pi" || g.OwnerID != "usr-1" {
		t.Errorf("identity = %+v", g)
	}

	perm, err := svc.perms.Get(ctx, "usr-1", enrollment.HomeID)
	if err != nil {
		t.Fatalf("owner permission missing: %v", err)
	}
	if perm.Role != auth.RoleOwner {
		t.Errorf("Role = %q, want owner", perm.Role)
	}
}

func TestProvision_HomeAlreadyPaired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	homeID := uuid.NewString()

	if _, err := svc.Provision(ctx, "usr-1", homeID, ""); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	_, err := svc.Provision(ctx, "usr-2", homeID, "")
	if !errors.Is(err, ErrHomeAlreadyPaired) {
		t.Fatalf("second Provision() error = %v, want ErrHomeAlreadyPaired", err)
	}

	// The failed attempt must not leave a permission behind.
	if _, err := svc.perms.Get(ctx, "usr-2", homeID); !errors.Is(err, auth.ErrPermissionNotFound) {
		t.Errorf("usr-2 permission after failed provision: %v", err)
	}
}

func TestProvision_InvalidHomeID(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Provision(context.Background(), "usr-1", "not-a-uuid", "")
	if !errors.Is(err, ErrInvalidHomeID) {
		t.Fatalf("Provision() error = %v, want ErrInvalidHomeID", err)
	}
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollment, err := svc.Provision(ctx, "usr-1", "", "")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	g, err := svc.Authenticate(ctx, enrollment.GatewayID, enrollment.Secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if g.HomeID != enrollment.HomeID {
		t.Errorf("HomeID = %q, want %q", g.HomeID, enrollment.HomeID)
	}

	tests := []struct {
		name      string
		gatewayID string
		secret    string
	}{
		{"wrong secret", enrollment.GatewayID, "nope"},
		{"unknown gateway", uuid.NewString(), enrollment.Secret},
		{"missing secret", enrollment.GatewayID, ""},
		{"missing id", "", enrollment.Secret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tt.gatewayID, tt.secret)
			if !errors.Is(err, auth.ErrAuthenticationFailed) {
				t.Errorf("Authenticate() error = %v, want ErrAuthenticationFailed", err)
			}
		})
	}

	if err := svc.Revoke(ctx, enrollment.GatewayID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	_, err = svc.Authenticate(ctx, enrollment.GatewayID, enrollment.Secret)
	if !errors.Is(err, auth.ErrAuthenticationFailed) || !errors.Is(err, ErrGatewayRevoked) {
		t.Errorf("Authenticate() after revoke error = %v, want revoked authentication failure", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollment, _ := svc.Provision(ctx, "usr-1", "", "")
	id := enrollment.GatewayID

	if err := svc.MarkOnline(ctx, id); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	g, _ := svc.Get(ctx, id)
	if g.Status != StatusOnline || g.LastSeenAt == nil {
		t.Errorf("after MarkOnline: status=%q last_seen=%v", g.Status, g.LastSeenAt)
	}

	if err := svc.MarkOffline(ctx, id); err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	g, _ = svc.Get(ctx, id)
	if g.Status != StatusOffline {
		t.Errorf("Status = %q, want offline", g.Status)
	}

	if err := svc.Revoke(ctx, id); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := svc.Revoke(ctx, id); err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}
	if err := svc.MarkOffline(ctx, id); err != nil {
		t.Fatalf("MarkOffline() on revoked error = %v", err)
	}
	if err := svc.MarkOnline(ctx, id); !errors.Is(err, ErrGatewayRevoked) {
		t.Errorf("MarkOnline() on revoked error = %v, want ErrGatewayRevoked", err)
	}
	g, _ = svc.Get(ctx, id)
	if g.Status != StatusRevoked {
		t.Errorf("Status = %q, want revoked to stick", g.Status)
	}

	if err := svc.MarkOnline(ctx, uuid.NewString()); !errors.Is(err, ErrGatewayNotFound) {
		t.Errorf("MarkOnline() unknown error = %v, want ErrGatewayNotFound", err)
	}
}

func TestResetPresence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	online, _ := svc.Provision(ctx, "usr-1", "", "")
	revoked, _ := svc.Provision(ctx, "usr-1", "", "")
	fresh, _ := svc.Provision(ctx, "usr-1", "", "")

	if err := svc.MarkOnline(ctx, online.GatewayID); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	if err := svc.Revoke(ctx, revoked.GatewayID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if err := svc.ResetPresence(ctx); err != nil {
		t.Fatalf("ResetPresence() error = %v", err)
	}

	tests := []struct {
		id   string
		want Status
	}{
		{online.GatewayID, StatusOffline},
		{revoked.GatewayID, StatusRevoked},
		{fresh.GatewayID, StatusProvisioning},
	}
	for _, tt := range tests {
		g, err := svc.Get(ctx, tt.id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if g.Status != tt.want {
			t.Errorf("gateway %s status = %q, want %q", tt.id, g.Status, tt.want)
		}
	}
}

func TestRecordSeen_Throttled(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	enrollment, _ := svc.Provision(ctx, "usr-1", "", "")
	id := enrollment.GatewayID
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mustSeen := func(at time.Time) {
		t.Helper()
		if err := svc.RecordSeen(ctx, id, at); err != nil {
			t.Fatalf("RecordSeen() error = %v", err)
		}
	}
	lastSeen := func() time.Time {
		t.Helper()
		g, err := svc.Get(ctx, id)
		if err != nil || g.LastSeenAt == nil {
			t.Fatalf("Get() = %+v, %v", g, err)
		}
		return *g.LastSeenAt
	}

	mustSeen(base)
	mustSeen(base.Add(30 * time.Second))
	if got := lastSeen(); !got.Equal(base) {
		t.Errorf("last_seen_at = %v, want %v (second write throttled)", got, base)
	}

	mustSeen(base.Add(61 * time.Second))
	if got := lastSeen(); !got.Equal(base.Add(61 * time.Second)) {
		t.Errorf("last_seen_at = %v, want refreshed after a minute", got)
	}
}

func TestListForHomes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Provision(ctx, "usr-1", "", "a")
	b, _ := svc.Provision(ctx, "usr-1", "", "b")
	_, _ = svc.Provision(ctx, "usr-2", "", "c")

	got, err := svc.ListForHomes(ctx, []string{a.HomeID, b.HomeID, uuid.NewString()})
	if err != nil {
		t.Fatalf("ListForHomes() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListForHomes() returned %d gateways, want 2", len(got))
	}

	empty, err := svc.ListForHomes(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("ListForHomes(nil) = %v, %v", empty, err)
	}
}
