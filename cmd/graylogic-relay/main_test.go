package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfig = `
database:
  path: %q
  wal_mode: true
  busy_timeout: 5

api:
  host: "127.0.0.1"
  port: %d

logging:
  level: error
  format: text
  output: stdout

security:
  jwt:
    secret: %q
`

func writeConfig(t *testing.T, dbPath string, port int, secret string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := fmt.Sprintf(testConfig, dbPath, port, secret)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/relay.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_RejectsConfig(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  string
		secret  string
		wantErr string
	}{
		{"empty database path", "", strings.Repeat("s", 32), "database.path"},
		{"missing jwt secret", "relay.db", "", "security.jwt.secret"},
		{"short jwt secret", "relay.db", "too-short", "at least 32 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GRAYLOGIC_JWT_SECRET", "")
			t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, tt.dbPath, 8090, tt.secret))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := run(ctx)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("run() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	t.Setenv("GRAYLOGIC_JWT_SECRET", "")
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, dbPath, port, strings.Repeat("k", 48)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	deadline := time.Now().Add(10 * time.Second)
	healthy := false
	for time.Now().Before(deadline) {
		resp, err := http.Get(url) //nolint:gosec,noctx // test URL
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				healthy = true
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !healthy {
		cancel()
		t.Fatalf("relay never became healthy: %v", <-done)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want clean shutdown", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/relay.yaml"
	t.Setenv("GRAYLOGIC_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}
