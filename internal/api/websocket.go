package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-relay/internal/audit"
	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// WebSocket message types.
const (
	WSTypeSubscribe     = "subscribe"
	WSTypeUnsubscribe   = "unsubscribe"
	WSTypeWatch         = "watch"
	WSTypeControlEntity = "control_entity"
	WSTypeRunScene      = "run_scene"
	WSTypeGetDevices    = "get_devices"
	WSTypePing          = "ping"
	WSTypePong          = "pong"
	WSTypeEvent         = "event"
	WSTypeResponse      = "response"
	WSTypeError         = "error"
)

// Event types pushed to clients.
const (
	EventStateChanged    = "entity.state_changed"
	EventGatewayPresence = "gateway.presence"
	EventCommandAck      = "command.ack"
)

// maxWatchesPerClient bounds the request ids one client may watch at once.
const maxWatchesPerClient = 128

// WSMessage is a message sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a message received from a client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsHomesPayload struct {
	HomeIDs []string `json:"home_ids"`
}

type wsWatchPayload struct {
	RequestID string `json:"request_id"`
	HomeID    string `json:"home_id"`
}

type wsControlPayload struct {
	HomeID   string `json:"home_id"`
	EntityID string `json:"entity_id"`
	Command  string `json:"command"`
	Value    any    `json:"value,omitempty"`
}

type wsHomePayload struct {
	HomeID string `json:"home_id"`
}

type wsScenePayload struct {
	HomeID  string `json:"home_id"`
	SceneID string `json:"scene_id"`
}

// Hub tracks client event streams and fans relay events out to them.
// It implements relay.Notifier; none of its methods block on a client.
type Hub struct {
	cfg      config.WebSocketConfig
	gate     *auth.Gate
	commands *relay.Relay
	logger   *logging.Logger
	metrics  *metrics.Relay
	clients  map[*WSClient]struct{}
	mu       sync.RWMutex
}

// WSClient is one authenticated client connection.
type WSClient struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	principalID string

	mu      sync.RWMutex
	homes   map[string]struct{} // subscribed, read access checked
	watches map[string]string   // request id -> home id
}

// NewHub creates a hub.
func NewHub(cfg config.WebSocketConfig, gate *auth.Gate, commands *relay.Relay, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		gate:     gate,
		commands: commands,
		logger:   logger,
		metrics:  metrics.NewUnregistered(),
		clients:  make(map[*WSClient]struct{}),
	}
}

// SetMetrics records connected clients on m.
func (h *Hub) SetMetrics(m *metrics.Relay) {
	h.metrics = m
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.ClientsActive.Inc()
	h.logger.Debug("websocket client connected", "principal_id", client.principalID, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
		h.metrics.ClientsActive.Dec()
	}
	h.logger.Debug("websocket client disconnected", "principal_id", client.principalID, "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StateChanged pushes a state update to clients subscribed to its home.
func (h *Hub) StateChanged(e relay.StateEvent) {
	h.broadcastHome(e.HomeID, EventStateChanged, e)
}

// GatewayPresence pushes a presence change to clients subscribed to its home.
func (h *Hub) GatewayPresence(e relay.PresenceEvent) {
	h.broadcastHome(e.HomeID, EventGatewayPresence, e)
}

// CommandAcked pushes an ack to clients that asked to watch its request id.
// Commands issued over a client's own stream get their ack through the
// relay's ack router instead.
func (h *Hub) CommandAcked(e relay.AckEvent) {
	data, ok := h.encodeEvent(EventCommandAck, e)
	if !ok {
		return
	}
	for _, client := range h.snapshot() {
		if client.takeWatch(e.RequestID, e.HomeID) {
			client.trySend(data)
		}
	}
}

// broadcastHome sends an event to every client subscribed to homeID.
// Lock ordering: hub lock is acquired first, then released before per-client
// subscription checks. This avoids holding both hub and client locks simultaneously.
func (h *Hub) broadcastHome(homeID, eventType string, payload any) {
	data, ok := h.encodeEvent(eventType, payload)
	if !ok {
		return
	}

	sentCount := 0
	for _, client := range h.snapshot() {
		if client.isSubscribed(homeID) {
			client.trySend(data)
			sentCount++
		}
	}
	if sentCount > 0 {
		h.logger.Debug("event broadcast", "event_type", eventType, "home_id", homeID, "recipients", sentCount)
	}
}

func (h *Hub) encodeEvent(eventType string, payload any) ([]byte, bool) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal event", "event_type", eventType, "error", err)
		return nil, false
	}
	return data, true
}

func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
		h.metrics.ClientsActive.Dec()
	}
}

// handleClientStream upgrades an authenticated client to an event stream.
// The access token comes from the Authorization header or the token query
// parameter and is checked before the upgrade.
func (s *Server) handleClientStream(w http.ResponseWriter, r *http.Request) {
	token := streamToken(r)
	if token == "" {
		writeUnauthorized(w, "bearer token required")
		return
	}
	claims, err := s.parseToken(token)
	if err != nil {
		writeUnauthorized(w, "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	buffer := s.wsCfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	client := &WSClient{
		hub:         s.hub,
		conn:        conn,
		send:        make(chan []byte, buffer),
		principalID: claims.UserID,
		homes:       make(map[string]struct{}),
		watches:     make(map[string]string),
	}

	s.hub.Register(client)

	go client.writePump(s.pingInterval(), s.pongWait())
	client.readPump(r.Context(), s.wsCfg.MaxMessageSize, s.pingInterval()+s.pongWait())
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(ctx context.Context, maxMessageSize int, readWait time.Duration) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if maxMessageSize > 0 {
		c.conn.SetReadLimit(int64(maxMessageSize))
	}
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleMessage(ctx, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(ctx context.Context, data []byte) {
	var msg wsRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", ErrCodeBadRequest, "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(ctx, msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypeWatch:
		c.handleWatch(ctx, msg)
	case WSTypeControlEntity:
		c.handleControl(ctx, msg)
	case WSTypeRunScene:
		c.handleRunScene(ctx, msg)
	case WSTypeGetDevices:
		c.handleGetDevices(ctx, msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, ErrCodeBadRequest, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe adds the homes the client may read to its subscriptions.
// Homes it may not read are reported back as denied.
func (c *WSClient) handleSubscribe(ctx context.Context, msg wsRequest) {
	var sub wsHomesPayload
	if err := json.Unmarshal(msg.Payload, &sub); err != nil || len(sub.HomeIDs) == 0 {
		c.sendError(msg.ID, ErrCodeBadRequest, "invalid subscribe payload")
		return
	}

	subscribed := make([]string, 0, len(sub.HomeIDs))
	denied := make([]string, 0)
	for _, homeID := range sub.HomeIDs {
		if _, err := c.hub.gate.Authorize(ctx, c.principalID, homeID, auth.CapRead); err != nil {
			denied = append(denied, homeID)
			continue
		}
		subscribed = append(subscribed, homeID)
	}

	c.mu.Lock()
	for _, homeID := range subscribed {
		c.homes[homeID] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed",
		"principal_id", c.principalID,
		"homes", subscribed,
		"denied", len(denied),
	)
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": subscribed,
		"denied":     denied,
	})
}

// handleUnsubscribe removes homes from the client's subscriptions.
func (c *WSClient) handleUnsubscribe(msg wsRequest) {
	var sub wsHomesPayload
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		c.sendError(msg.ID, ErrCodeBadRequest, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, homeID := range sub.HomeIDs {
		delete(c.homes, homeID)
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": sub.HomeIDs,
	})
}

// handleWatch asks for the ack of a command issued elsewhere, such as over
// the REST API. Only acks from the named home's gateway are delivered.
func (c *WSClient) handleWatch(ctx context.Context, msg wsRequest) {
	var p wsWatchPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.RequestID == "" || p.HomeID == "" {
		c.sendError(msg.ID, ErrCodeBadRequest, "watch requires request_id and home_id")
		return
	}
	if _, err := c.hub.gate.Authorize(ctx, c.principalID, p.HomeID, auth.CapRead); err != nil {
		c.sendServiceError(msg.ID, err)
		return
	}

	c.mu.Lock()
	full := len(c.watches) >= maxWatchesPerClient
	if !full {
		c.watches[p.RequestID] = p.HomeID
	}
	c.mu.Unlock()
	if full {
		c.sendError(msg.ID, ErrCodeBadRequest, "too many watched requests")
		return
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"watching": p.RequestID})
}

func (c *WSClient) handleControl(ctx context.Context, msg wsRequest) {
	var p wsControlPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(msg.ID, ErrCodeBadRequest, "invalid control_entity payload")
		return
	}
	d, err := c.hub.commands.ControlEntity(ctx, c.principalID, p.HomeID, p.EntityID, p.Command, p.Value,
		relay.OnAck(c.deliverAck),
		relay.FromSource(audit.SourceClient),
	)
	c.reply(msg.ID, d, err)
}

func (c *WSClient) handleRunScene(ctx context.Context, msg wsRequest) {
	var p wsScenePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(msg.ID, ErrCodeBadRequest, "invalid run_scene payload")
		return
	}
	d, err := c.hub.commands.RunScene(ctx, c.principalID, p.HomeID, p.SceneID,
		relay.OnAck(c.deliverAck),
		relay.FromSource(audit.SourceClient),
	)
	c.reply(msg.ID, d, err)
}

// handleGetDevices forwards a device list request to the home's gateway.
// The gateway's answer replaces the home's cached entities.
func (c *WSClient) handleGetDevices(ctx context.Context, msg wsRequest) {
	var p wsHomePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.HomeID == "" {
		c.sendError(msg.ID, ErrCodeBadRequest, "get_devices requires home_id")
		return
	}
	d, err := c.hub.commands.RefreshDevices(ctx, c.principalID, p.HomeID)
	c.reply(msg.ID, d, err)
}

func (c *WSClient) reply(id string, d *relay.Dispatch, err error) {
	if err != nil {
		c.sendServiceError(id, err)
		return
	}
	c.sendResponse(id, WSTypeResponse, d)
}

func (c *WSClient) deliverAck(e relay.AckEvent) {
	if data, ok := c.hub.encodeEvent(EventCommandAck, e); ok {
		c.trySend(data)
	}
}

// takeWatch reports whether the client watches requestID for homeID and,
// if so, removes the watch.
func (c *WSClient) takeWatch(requestID, homeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.watches[requestID]
	if !ok || h != homeID {
		return false
	}
	delete(c.watches, requestID)
	return true
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// isSubscribed checks if the client is subscribed to a home.
func (c *WSClient) isSubscribed(homeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.homes[homeID]
	return ok
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, code, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"code": code, "message": message})
}

func (c *WSClient) sendServiceError(id string, err error) {
	_, code, message, ok := classify(err)
	if !ok && !errors.Is(err, context.Canceled) {
		c.hub.logger.Error("client request failed", "principal_id", c.principalID, "error", err)
	}
	c.sendError(id, code, message)
}
