package audit

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database/dbtest"
)

func TestRepository_CreateAndList(t *testing.T) {
	repo := NewSQLiteRepository(dbtest.Open(t).DB)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Action: ActionPairingCompleted, HomeID: "home-1", GatewayID: "gw-1", PrincipalID: "usr-1", Source: SourceAPI, CreatedAt: base},
		{Action: ActionCommandRelayed, HomeID: "home-1", PrincipalID: "usr-1", Source: SourceAPI, Details: map[string]any{"request_id": "r-1"}, CreatedAt: base.Add(time.Minute)},
		{Action: ActionCommandRelayed, HomeID: "home-2", PrincipalID: "usr-2", Source: SourceClient, CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range entries {
		if err := repo.Create(ctx, &entries[i]); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if entries[i].ID == "" {
			t.Error("Create() did not assign an ID")
		}
	}

	result, err := repo.List(ctx, Filter{HomeID: "home-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 2 || len(result.Logs) != 2 {
		t.Fatalf("List(home-1) total=%d len=%d, want 2", result.Total, len(result.Logs))
	}
	if result.Logs[0].Action != ActionCommandRelayed {
		t.Errorf("newest entry = %q, want command first", result.Logs[0].Action)
	}
	if result.Logs[0].Details["request_id"] != "r-1" {
		t.Errorf("Details = %v", result.Logs[0].Details)
	}
	if result.Logs[1].GatewayID != "gw-1" {
		t.Errorf("GatewayID = %q, want gw-1", result.Logs[1].GatewayID)
	}

	filtered, err := repo.List(ctx, Filter{Action: ActionCommandRelayed, Limit: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if filtered.Total != 2 || len(filtered.Logs) != 1 || filtered.Limit != 1 {
		t.Errorf("List(action, limit 1) = total %d, %d logs, limit %d", filtered.Total, len(filtered.Logs), filtered.Limit)
	}

	empty, err := repo.List(ctx, Filter{HomeID: "nope", Limit: 1000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if empty.Logs == nil || empty.Limit != 200 {
		t.Errorf("List(nope) = %+v, want empty slice and clamped limit", empty)
	}
}

func TestRecorder_DrainsOnShutdown(t *testing.T) {
	repo := NewSQLiteRepository(dbtest.Open(t).DB)
	rec := NewRecorder(repo)

	for range 5 {
		rec.Record(Entry{Action: ActionGatewayRevoked, HomeID: "home-1", Source: SourceAPI})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	result, err := repo.List(context.Background(), Filter{HomeID: "home-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 5 {
		t.Errorf("Total = %d, want 5 entries written on drain", result.Total)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *Recorder
	rec.Record(Entry{Action: ActionCommandRelayed})
}
