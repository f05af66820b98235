package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-relay/internal/audit"
	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/gateway"
	"github.com/nerrad567/gray-logic-relay/internal/homecache"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-relay/internal/pairing"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
	"github.com/nerrad567/gray-logic-relay/internal/session"
)

const testJWTSecret = "test-secret-key-at-least-32-characters-long"

// cheapArgon keeps secret hashing fast in tests.
var cheapArgon = auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}

type harness struct {
	srv      *Server
	ts       *httptest.Server
	perms    *auth.SQLitePermissionRepository
	gateways *gateway.Service
	sessions *session.Registry
	audit    audit.Repository
}

// newHarness wires a Server over a fresh database with the real services,
// the same way the relay binary does.
func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()

	db := dbtest.Open(t)
	perms := auth.NewPermissionRepository(db.DB)
	gate := auth.NewGate(perms)
	gateways := gateway.NewService(db.DB, auth.NewArgon2Hasher(cheapArgon))

	notify := new(relay.Notifiers)
	sessions := session.NewRegistry(gateways, session.WithPresence(relay.PresenceFunc(notify, time.Now)))
	acks := relay.NewAckRouter(time.Minute)
	commands := relay.New(gate, sessions, gateways, acks)
	cache := homecache.NewService(homecache.NewSQLiteRepository(db.DB), gate, sessions, gateways, homecache.Config{})
	inbound := relay.NewDispatcher(sessions, cache, acks, gateways, notify)
	pairingSvc := pairing.NewService(db.DB, gateways, pairing.Config{})
	auditRepo := audit.NewSQLiteRepository(db.DB)

	deps := Deps{
		Config: config.APIConfig{Host: "127.0.0.1"},
		WS: config.WebSocketConfig{
			BridgePath:     "/bridge",
			ClientPath:     "/api/v1/ws",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security:  config.SecurityConfig{JWT: config.JWTConfig{Secret: testJWTSecret}},
		Logger:    logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		DB:        db,
		Gate:      gate,
		Perms:     perms,
		Gateways:  gateways,
		Sessions:  sessions,
		Commands:  commands,
		Inbound:   inbound,
		Acks:      acks,
		Pairing:   pairingSvc,
		Cache:     cache,
		AuditRepo: auditRepo,
		Version:   "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	*notify = append(*notify, srv.Hub())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		sessions.CloseAll()
		srv.hub.closeAll()
		ts.Close()
	})

	return &harness{
		srv:      srv,
		ts:       ts,
		perms:    perms,
		gateways: gateways,
		sessions: sessions,
		audit:    auditRepo,
	}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.IssueAccessToken(userID, nil, testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	return tok
}

// do sends a JSON request and decodes a JSON object response, if any.
func (h *harness) do(t *testing.T, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		//nolint:errcheck // bare status responses have no body
		json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func (h *harness) wsURL(path string, q url.Values) string {
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// dialGateway connects to the bridge with a gateway's own credentials.
func (h *harness) dialGateway(t *testing.T, gatewayID, secret string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/bridge", url.Values{
		"gateway_id": {gatewayID},
		"secret":     {secret},
	}), nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// provision creates a gateway owned by ownerID and returns its enrollment.
func (h *harness) provision(t *testing.T, ownerID string) *gateway.Enrollment {
	t.Helper()
	e, err := h.gateways.Provision(context.Background(), ownerID, "", "Test gateway")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	return e
}

// readFrame reads gateway frames until one of the given type arrives.
// Repeated get_home_data requests are skipped.
func readFrame(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("reading %s frame: %v", msgType, err)
		}
		if frame["type"] == msgType {
			return frame
		}
	}
}

// sync answers the next get_home_data with a one-entity snapshot and waits
// until the home reads as synced.
func (h *harness) sync(t *testing.T, conn *websocket.Conn, homeID, tok string) {
	t.Helper()

	req := readFrame(t, conn, "get_home_data")
	snapshot := map[string]any{
		"type":       "home_data",
		"request_id": req["request_id"],
		"home":       map[string]any{"name": "Cottage", "timezone": "Europe/London"},
		"entities": []map[string]any{{
			"id":          1,
			"name":        "Kitchen light",
			"entity_type": "light",
			"state":       map[string]any{"on": false},
		}},
		"scenes":      []map[string]any{{"id": 7, "name": "Evening"}},
		"automations": []any{},
		"locations":   []any{},
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		t.Fatalf("writing home_data: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, body := h.do(t, http.MethodGet, "/api/v1/homes/"+homeID+"/entities", tok, nil)
		if status == http.StatusOK {
			return
		}
		if status != http.StatusAccepted {
			t.Fatalf("GET entities status = %d, body = %v", status, body)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("home never synced")
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["database"] != "ok" {
		t.Errorf("database check = %v, want ok", checks["database"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		UserID:    "alice",
		TokenType: auth.TokenTypeAccess,
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("signing expired token: %v", err)
	}
	forged, err := auth.IssueAccessToken("alice", nil, "some-other-secret-that-is-long-enough", time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"wrong secret", forged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := h.do(t, http.MethodGet, "/api/v1/homes", tt.token, nil)
			if status != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401 (body %v)", status, body)
			}
		})
	}
}

func TestPairingEndToEnd(t *testing.T) {
	h := newHarness(t)
	owner := token(t, "alice")

	status, body := h.do(t, http.MethodPost, "/api/v1/gateways/request-pairing", owner,
		map[string]any{"home_name": "Cottage"})
	if status != http.StatusCreated {
		t.Fatalf("request-pairing status = %d, body = %v", status, body)
	}
	code, _ := body["code"].(string)
	if len(code) != 8 {
		t.Fatalf("pairing code = %q, want 8 digits", code)
	}
	if body["expires_in_minutes"] != float64(10) {
		t.Errorf("expires_in_minutes = %v, want 10", body["expires_in_minutes"])
	}

	status, body = h.do(t, http.MethodGet, "/api/v1/gateways/verify-pairing/"+code, "", nil)
	if status != http.StatusOK || body["valid"] != true {
		t.Fatalf("verify-pairing = %d %v, want valid", status, body)
	}

	gatewayID, homeID := uuid.NewString(), uuid.NewString()
	complete := map[string]any{
		"pairing_code": code,
		"gateway_uuid": gatewayID,
		"home_id":      homeID,
		"name":         "Hallway hub",
		"version":      "2.1.0",
	}
	status, body = h.do(t, http.MethodPost, "/api/v1/gateways/complete-pairing", "", complete)
	if status != http.StatusCreated {
		t.Fatalf("complete-pairing status = %d, body = %v", status, body)
	}
	secret, _ := body["secret"].(string)
	if secret == "" || body["gateway_id"] != gatewayID || body["home_id"] != homeID {
		t.Fatalf("complete-pairing body = %v", body)
	}

	// A used code cannot pair a second gateway.
	complete["gateway_uuid"] = uuid.NewString()
	complete["home_id"] = uuid.NewString()
	status, body = h.do(t, http.MethodPost, "/api/v1/gateways/complete-pairing", "", complete)
	if status != http.StatusBadRequest || body["code"] != ErrCodePairingInvalid {
		t.Errorf("reused code = %d %v, want 400 pairing_invalid", status, body)
	}

	// Before the gateway connects commands have nowhere to go.
	status, _ = h.do(t, http.MethodPost, "/api/v1/homes/"+homeID+"/entities/1/control", owner,
		map[string]any{"command": "turn_on"})
	if status != http.StatusServiceUnavailable {
		t.Errorf("control while offline status = %d, want 503", status)
	}

	conn, _, err := h.dialGateway(t, gatewayID, secret)
	if err != nil {
		t.Fatalf("gateway dial: %v", err)
	}
	h.sync(t, conn, homeID, owner)

	status, body = h.do(t, http.MethodGet, "/api/v1/homes/"+homeID+"/entities", owner, nil)
	entities, _ := body["entities"].([]any)
	if status != http.StatusOK || len(entities) != 1 || body["syncing"] != false {
		t.Fatalf("entities = %d %v, want one synced entity", status, body)
	}
	if e, _ := entities[0].(map[string]any); e["edge_id"] != "1" {
		t.Errorf("entity edge_id = %v, want \"1\"", e["edge_id"])
	}

	// Heartbeat: the relay echoes the timestamp.
	if err := conn.WriteJSON(map[string]any{"type": "ping", "timestamp": 1712345678}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	pong := readFrame(t, conn, "pong")
	if pong["timestamp"] != float64(1712345678) {
		t.Errorf("pong timestamp = %v, want 1712345678", pong["timestamp"])
	}

	status, body = h.do(t, http.MethodPost, "/api/v1/homes/"+homeID+"/entities/1/control", owner,
		map[string]any{"command": "turn_on", "value": 80})
	if status != http.StatusOK || body["status"] != "sent" {
		t.Fatalf("control = %d %v, want sent", status, body)
	}
	cmd := readFrame(t, conn, "command")
	if cmd["request_id"] != body["request_id"] {
		t.Errorf("command request_id = %v, want %v", cmd["request_id"], body["request_id"])
	}
	payload, _ := cmd["payload"].(map[string]any)
	if payload["entity_id"] != "1" || payload["command"] != "turn_on" || payload["value"] != float64(80) {
		t.Errorf("command payload = %v", payload)
	}

	status, body = h.do(t, http.MethodPost, "/api/v1/homes/"+homeID+"/scenes/7/run", owner, nil)
	if status != http.StatusOK || body["message"] != "Scene command sent to gateway" {
		t.Fatalf("run scene = %d %v", status, body)
	}
	cmd = readFrame(t, conn, "command")
	if payload, _ := cmd["payload"].(map[string]any); payload["scene_id"] != "7" {
		t.Errorf("scene payload = %v", cmd["payload"])
	}

	status, body = h.do(t, http.MethodGet, "/api/v1/homes/"+homeID+"/gateway/status", owner, nil)
	if status != http.StatusOK || body["status"] != "online" {
		t.Errorf("gateway status = %d %v, want online", status, body)
	}

	// Revoking drops the live session and locks the secret out.
	status, body = h.do(t, http.MethodPost, "/api/v1/gateways/"+gatewayID+"/revoke", owner, nil)
	if status != http.StatusOK || body["status"] != "revoked" {
		t.Fatalf("revoke = %d %v", status, body)
	}
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	_, resp, err := h.dialGateway(t, gatewayID, secret)
	if err == nil {
		t.Fatal("dial after revoke succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial after revoke response = %v, want 401", resp)
	}
}

func TestBridgeRejectsHandshake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.provision(t, "alice")
	if _, err := h.perms.Share(ctx, e.HomeID, "bob", auth.RoleViewer, "alice"); err != nil {
		t.Fatalf("Share() error = %v", err)
	}

	tests := []struct {
		name   string
		query  url.Values
		token  string
		status int
	}{
		{"no credentials", nil, "", http.StatusUnauthorized},
		{"wrong secret", url.Values{"gateway_id": {e.GatewayID}, "secret": {"nope"}}, "", http.StatusUnauthorized},
		{"unknown gateway", url.Values{"gateway_id": {uuid.NewString()}, "secret": {e.Secret}}, "", http.StatusUnauthorized},
		{"missing secret", url.Values{"gateway_id": {e.GatewayID}}, "", http.StatusUnauthorized},
		{"viewer token", url.Values{"home_id": {e.HomeID}}, token(t, "bob"), http.StatusForbidden},
		{"stranger token", nil, token(t, "mallory"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.token != "" {
				header.Set("Authorization", "Bearer "+tt.token)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/bridge", tt.query), header)
			if err == nil {
				conn.Close()
				t.Fatal("Dial() succeeded, want rejection")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("Dial() response = %v, want %d", resp, tt.status)
			}
		})
	}

	if n := h.sessions.Count(); n != 0 {
		t.Errorf("sessions = %d after rejected handshakes, want 0", n)
	}
}

func TestBridgeOwnerToken(t *testing.T) {
	h := newHarness(t)
	e := h.provision(t, "alice")

	header := http.Header{"Authorization": {"Bearer " + token(t, "alice")}}
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/bridge", nil), header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	readFrame(t, conn, "get_home_data")
	if status := h.sessions.Status(e.GatewayID); status != session.StateOnline {
		t.Errorf("Status() = %q, want online", status)
	}
}

func TestCachedReadsBeforeSync(t *testing.T) {
	h := newHarness(t)
	owner := token(t, "alice")

	status, body := h.do(t, http.MethodPost, "/api/v1/gateways/provision", owner, map[string]any{"name": "Loft"})
	if status != http.StatusCreated {
		t.Fatalf("provision = %d %v", status, body)
	}
	homeID, _ := body["home_id"].(string)
	if body["secret"] == "" {
		t.Error("provision returned no secret")
	}

	for _, key := range []string{"entities", "scenes", "automations", "locations", "devices"} {
		t.Run(key, func(t *testing.T) {
			status, body := h.do(t, http.MethodGet, "/api/v1/homes/"+homeID+"/"+key, owner, nil)
			if status != http.StatusAccepted {
				t.Fatalf("status = %d, want 202", status)
			}
			if list, ok := body[key].([]any); !ok || len(list) != 0 {
				t.Errorf("%s = %v, want empty list", key, body[key])
			}
			if body["syncing"] != true {
				t.Errorf("syncing = %v, want true", body["syncing"])
			}
		})
	}

	status, _ = h.do(t, http.MethodGet, "/api/v1/homes/"+homeID+"/entities", token(t, "mallory"), nil)
	if status != http.StatusForbidden {
		t.Errorf("stranger read status = %d, want 403", status)
	}

	status, body = h.do(t, http.MethodGet, "/api/v1/homes", owner, nil)
	homes, _ := body["homes"].([]any)
	if status != http.StatusOK || len(homes) != 1 {
		t.Fatalf("homes = %d %v, want one home", status, body)
	}
	if home, _ := homes[0].(map[string]any); home["role"] != "owner" {
		t.Errorf("home role = %v, want owner", home["role"])
	}
}

func TestViewerCannotControl(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.provision(t, "alice")
	if _, err := h.perms.Share(ctx, e.HomeID, "bob", auth.RoleViewer, "alice"); err != nil {
		t.Fatalf("Share() error = %v", err)
	}

	conn, _, err := h.dialGateway(t, e.GatewayID, e.Secret)
	if err != nil {
		t.Fatalf("gateway dial: %v", err)
	}
	viewer := token(t, "bob")
	h.sync(t, conn, e.HomeID, viewer)

	status, body := h.do(t, http.MethodPost, "/api/v1/homes/"+e.HomeID+"/entities/1/control", viewer,
		map[string]any{"command": "turn_on"})
	if status != http.StatusForbidden {
		t.Fatalf("viewer control = %d %v, want 403", status, body)
	}

	// Nothing may reach the gateway for a denied command. A ping is
	// answered in order, so seeing the pong first proves no command was sent.
	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		if frame["type"] == "command" {
			t.Fatalf("denied command reached the gateway: %v", frame)
		}
		if frame["type"] == "pong" {
			break
		}
	}

	status, body = h.do(t, http.MethodPost, "/api/v1/homes/"+e.HomeID+"/commands", token(t, "alice"),
		map[string]any{"action": "all_off"})
	if status != http.StatusOK {
		t.Fatalf("owner generic command = %d %v, want 200", status, body)
	}
	cmd := readFrame(t, conn, "command")
	if payload, _ := cmd["payload"].(map[string]any); payload["action"] != "all_off" {
		t.Errorf("generic payload = %v", cmd["payload"])
	}

	status, _ = h.do(t, http.MethodPost, "/api/v1/homes/"+e.HomeID+"/commands", token(t, "alice"), []int{1, 2})
	if status != http.StatusBadRequest {
		t.Errorf("array command status = %d, want 400", status)
	}
}

func TestClientStream(t *testing.T) {
	h := newHarness(t)
	e := h.provision(t, "alice")
	other := h.provision(t, "carol")
	owner := token(t, "alice")

	gw, _, err := h.dialGateway(t, e.GatewayID, e.Secret)
	if err != nil {
		t.Fatalf("gateway dial: %v", err)
	}
	h.sync(t, gw, e.HomeID, owner)

	client, _, err := websocket.DefaultDialer.Dial(h.wsURL("/api/v1/ws", url.Values{"token": {owner}}), nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	read := func(want string) map[string]any {
		t.Helper()
		//nolint:errcheck // test deadline
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var msg map[string]any
			if err := client.ReadJSON(&msg); err != nil {
				t.Fatalf("reading client message: %v", err)
			}
			if msg["type"] == want {
				return msg
			}
		}
	}

	if err := client.WriteJSON(map[string]any{
		"type":    "subscribe",
		"id":      "sub-1",
		"payload": map[string]any{"home_ids": []string{e.HomeID, other.HomeID}},
	}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}
	resp := read(WSTypeResponse)
	payload, _ := resp["payload"].(map[string]any)
	subscribed, _ := payload["subscribed"].([]any)
	denied, _ := payload["denied"].([]any)
	if len(subscribed) != 1 || subscribed[0] != e.HomeID {
		t.Errorf("subscribed = %v, want [%s]", subscribed, e.HomeID)
	}
	if len(denied) != 1 || denied[0] != other.HomeID {
		t.Errorf("denied = %v, want [%s]", denied, other.HomeID)
	}

	if err := gw.WriteJSON(map[string]any{
		"type":      "state_update",
		"entity_id": 1,
		"state":     map[string]any{"on": true},
	}); err != nil {
		t.Fatalf("writing state_update: %v", err)
	}
	event := read(WSTypeEvent)
	if event["event_type"] != EventStateChanged {
		t.Fatalf("event_type = %v, want %s", event["event_type"], EventStateChanged)
	}
	if p, _ := event["payload"].(map[string]any); p["entity_id"] != "1" || p["home_id"] != e.HomeID {
		t.Errorf("state event payload = %v", event["payload"])
	}

	// A command issued on the stream gets its ack on the same stream.
	if err := client.WriteJSON(map[string]any{
		"type":    "control_entity",
		"id":      "cmd-1",
		"payload": map[string]any{"home_id": e.HomeID, "entity_id": "1", "command": "turn_off"},
	}); err != nil {
		t.Fatalf("writing control_entity: %v", err)
	}
	resp = read(WSTypeResponse)
	if resp["id"] != "cmd-1" {
		t.Fatalf("response id = %v, want cmd-1", resp["id"])
	}
	cmd := readFrame(t, gw, "command")
	if err := gw.WriteJSON(map[string]any{
		"type":       "ack",
		"request_id": cmd["request_id"],
		"success":    true,
	}); err != nil {
		t.Fatalf("writing ack: %v", err)
	}
	event = read(WSTypeEvent)
	if event["event_type"] != EventCommandAck {
		t.Fatalf("event_type = %v, want %s", event["event_type"], EventCommandAck)
	}
	if p, _ := event["payload"].(map[string]any); p["request_id"] != cmd["request_id"] || p["success"] != true {
		t.Errorf("ack payload = %v", event["payload"])
	}
}

func TestRefreshDevices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.provision(t, "alice")
	if _, err := h.perms.Share(ctx, e.HomeID, "bob", auth.RoleViewer, "alice"); err != nil {
		t.Fatalf("Share() error = %v", err)
	}
	viewer := token(t, "bob")
	path := "/api/v1/homes/" + e.HomeID + "/devices/refresh"

	status, _ := h.do(t, http.MethodPost, path, viewer, nil)
	if status != http.StatusServiceUnavailable {
		t.Errorf("refresh while offline = %d, want 503", status)
	}

	gw, _, err := h.dialGateway(t, e.GatewayID, e.Secret)
	if err != nil {
		t.Fatalf("gateway dial: %v", err)
	}
	h.sync(t, gw, e.HomeID, viewer)

	status, body := h.do(t, http.MethodPost, path, viewer, nil)
	if status != http.StatusOK || body["status"] != "sent" {
		t.Fatalf("refresh = %d %v, want sent", status, body)
	}
	req := readFrame(t, gw, "get_devices")
	if req["request_id"] != body["request_id"] {
		t.Errorf("get_devices request_id = %v, want %v", req["request_id"], body["request_id"])
	}

	if err := gw.WriteJSON(map[string]any{
		"type": "devices_response",
		"devices": []map[string]any{
			{"id": 1, "name": "Kitchen light", "entity_type": "light"},
			{"id": 2, "name": "Hall sensor", "entity_type": "sensor"},
		},
	}); err != nil {
		t.Fatalf("writing devices_response: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body = h.do(t, http.MethodGet, "/api/v1/homes/"+e.HomeID+"/entities", viewer, nil)
		if entities, _ := body["entities"].([]any); len(entities) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entities never refreshed: %v", body)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The same request over the client stream.
	client, _, err := websocket.DefaultDialer.Dial(h.wsURL("/api/v1/ws", url.Values{"token": {viewer}}), nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()
	if err := client.WriteJSON(map[string]any{
		"type":    "get_devices",
		"id":      "dev-1",
		"payload": map[string]any{"home_id": e.HomeID},
	}); err != nil {
		t.Fatalf("writing get_devices: %v", err)
	}
	//nolint:errcheck // test deadline
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp map[string]any
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("reading client response: %v", err)
	}
	payload, _ := resp["payload"].(map[string]any)
	if resp["type"] != WSTypeResponse || resp["id"] != "dev-1" {
		t.Fatalf("client response = %v", resp)
	}
	req = readFrame(t, gw, "get_devices")
	if req["request_id"] != payload["request_id"] {
		t.Errorf("get_devices request_id = %v, want %v", req["request_id"], payload["request_id"])
	}

	status, _ = h.do(t, http.MethodPost, path, token(t, "mallory"), nil)
	if status != http.StatusForbidden {
		t.Errorf("stranger refresh = %d, want 403", status)
	}
}

func TestCloseMarksGatewaysOffline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	h := newHarness(t, func(d *Deps) { d.Config.Port = port })
	e := h.provision(t, "alice")
	ctx := context.Background()

	if err := h.srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	bridge := fmt.Sprintf("ws://127.0.0.1:%d/bridge?%s", port, url.Values{
		"gateway_id": {e.GatewayID},
		"secret":     {e.Secret},
	}.Encode())
	conn, _, err := websocket.DefaultDialer.Dial(bridge, nil)
	if err != nil {
		t.Fatalf("gateway dial: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn, "get_home_data")

	g, err := h.gateways.Get(ctx, e.GatewayID)
	if err != nil || g.Status != gateway.StatusOnline {
		t.Fatalf("status before Close() = %v (err %v), want online", g, err)
	}

	if err := h.srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Close returns only after the session has been cleaned up, so the
	// database can be closed straight away.
	g, err = h.gateways.Get(ctx, e.GatewayID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if g.Status != gateway.StatusOffline {
		t.Errorf("status after Close() = %q, want offline", g.Status)
	}
	if n := h.sessions.Count(); n != 0 {
		t.Errorf("sessions after Close() = %d, want 0", n)
	}
}

func TestClientStreamRequiresToken(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/api/v1/ws", nil), nil)
	if err == nil {
		t.Fatal("Dial() succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Dial() response = %v, want 401", resp)
	}
}

func TestPermissions(t *testing.T) {
	h := newHarness(t)
	e := h.provision(t, "alice")
	owner := token(t, "alice")
	base := "/api/v1/homes/" + e.HomeID + "/permissions"

	tests := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"share as user", map[string]any{"principal_id": "bob", "role": "user"}, http.StatusOK},
		{"promote to admin", map[string]any{"principal_id": "bob", "role": "admin"}, http.StatusOK},
		{"owner not grantable", map[string]any{"principal_id": "carol", "role": "owner"}, http.StatusBadRequest},
		{"unknown role", map[string]any{"principal_id": "carol", "role": "superuser"}, http.StatusBadRequest},
		{"owner not demotable", map[string]any{"principal_id": "alice", "role": "viewer"}, http.StatusBadRequest},
		{"missing principal", map[string]any{"role": "viewer"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := h.do(t, http.MethodPut, base, owner, tt.body)
			if status != tt.status {
				t.Errorf("PUT permissions = %d %v, want %d", status, body, tt.status)
			}
		})
	}

	status, body := h.do(t, http.MethodGet, base, owner, nil)
	perms, _ := body["permissions"].([]any)
	if status != http.StatusOK || len(perms) != 2 {
		t.Fatalf("GET permissions = %d %v, want owner and bob", status, body)
	}

	status, _ = h.do(t, http.MethodGet, base, token(t, "mallory"), nil)
	if status != http.StatusForbidden {
		t.Errorf("stranger GET permissions = %d, want 403", status)
	}

	status, _ = h.do(t, http.MethodDelete, base+"/bob", owner, nil)
	if status != http.StatusNoContent {
		t.Errorf("DELETE bob = %d, want 204", status)
	}
	status, _ = h.do(t, http.MethodDelete, base+"/bob", owner, nil)
	if status != http.StatusNotFound {
		t.Errorf("second DELETE bob = %d, want 404", status)
	}
	status, _ = h.do(t, http.MethodDelete, base+"/alice", owner, nil)
	if status != http.StatusBadRequest {
		t.Errorf("DELETE owner = %d, want 400", status)
	}

	status, body = h.do(t, http.MethodGet, "/api/v1/homes/"+e.HomeID+"/audit", owner, nil)
	if status != http.StatusOK {
		t.Fatalf("GET audit = %d %v", status, body)
	}
	status, _ = h.do(t, http.MethodGet, "/api/v1/homes/"+e.HomeID+"/audit", token(t, "mallory"), nil)
	if status != http.StatusForbidden {
		t.Errorf("stranger GET audit = %d, want 403", status)
	}
}

func TestAuditTrail(t *testing.T) {
	recorderCtx, cancel := context.WithCancel(context.Background())
	var recorder *audit.Recorder
	h := newHarness(t, func(d *Deps) {
		recorder = audit.NewRecorder(d.AuditRepo)
		d.Auditor = recorder
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		recorder.Run(recorderCtx) //nolint:errcheck // returns ctx error on cancel
	}()

	e := h.provision(t, "alice")
	owner := token(t, "alice")
	status, _ := h.do(t, http.MethodPut, "/api/v1/homes/"+e.HomeID+"/permissions", owner,
		map[string]any{"principal_id": "bob", "role": "viewer"})
	if status != http.StatusOK {
		t.Fatalf("PUT permissions = %d", status)
	}

	// Run drains the queue before returning.
	cancel()
	<-done

	result, err := h.audit.List(context.Background(), audit.Filter{HomeID: e.HomeID, Action: audit.ActionPermissionGranted})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 || result.Logs[0].PrincipalID != "alice" {
		t.Errorf("audit logs = %+v, want one grant by alice", result.Logs)
	}
}

func TestPairingRateLimit(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Config.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})

	var last int
	for range 3 {
		last, _ = h.do(t, http.MethodGet, "/api/v1/gateways/verify-pairing/12345678", "", nil)
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third verify-pairing status = %d, want 429", last)
	}
}
