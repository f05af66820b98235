package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/gateway"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
	"github.com/nerrad567/gray-logic-relay/internal/session"
)

// defaultSendBuffer is used when websocket.send_buffer is unset.
const defaultSendBuffer = 256

var (
	errTransportClosed = errors.New("connection closed")
	errSendBufferFull  = errors.New("send buffer full")
)

// upgrader configures the WebSocket upgrader for both endpoints.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleBridge authenticates a gateway and, only if that succeeds, upgrades
// the connection and serves it as the gateway's session until it closes.
//
// Credentials are either gateway_id and secret query parameters, or an
// owner's bearer token with an optional home_id. A rejected handshake gets
// a bare status with no body.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	s.bridges.Add(1)
	defer s.bridges.Done()

	gw, err := s.authenticateBridge(r)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrAuthorizationDenied):
			status = http.StatusForbidden
		case errors.Is(err, auth.ErrAuthenticationFailed):
			status = http.StatusUnauthorized
		}
		s.logger.Warn("gateway handshake rejected",
			"remote_addr", r.RemoteAddr,
			"status", status,
			"error", err,
		)
		w.WriteHeader(status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway websocket upgrade failed", "gateway_id", gw.ID, "error", err)
		return
	}

	s.serveBridge(r.Context(), conn, gw)
}

func (s *Server) authenticateBridge(r *http.Request) (*gateway.Identity, error) {
	ctx := r.Context()
	q := r.URL.Query()

	if q.Has("gateway_id") || q.Has("secret") {
		return s.gateways.Authenticate(ctx, q.Get("gateway_id"), q.Get("secret"))
	}

	token := streamToken(r)
	if token == "" {
		return nil, fmt.Errorf("%w: no gateway credential", auth.ErrAuthenticationFailed)
	}
	claims, err := s.parseToken(token)
	if err != nil {
		return nil, err
	}
	return s.bridgeHome(ctx, claims, q.Get("home_id"))
}

// bridgeHome picks the home a bearer-authenticated gateway connects for.
// An explicit home is the only candidate; otherwise the token's homes are
// tried in order, then every home the principal has a permission in. The
// first home the principal can manage that has a usable gateway wins.
func (s *Server) bridgeHome(ctx context.Context, claims *auth.AccessClaims, homeID string) (*gateway.Identity, error) {
	candidates := []string{homeID}
	if homeID == "" {
		perms, err := s.perms.ListForPrincipal(ctx, claims.UserID)
		if err != nil {
			return nil, err
		}
		candidates = make([]string, 0, len(claims.Homes)+len(perms))
		candidates = append(candidates, claims.Homes...)
		for _, p := range perms {
			candidates = append(candidates, p.HomeID)
		}
	}

	lastErr := fmt.Errorf("%w: no manageable home with a gateway", auth.ErrAuthorizationDenied)
	tried := make(map[string]bool, len(candidates))
	for _, h := range candidates {
		if h == "" || tried[h] {
			continue
		}
		tried[h] = true

		if _, err := s.gate.Authorize(ctx, claims.UserID, h, auth.CapManage); err != nil {
			if !errors.Is(err, auth.ErrAuthorizationDenied) {
				return nil, err
			}
			lastErr = err
			continue
		}

		gw, err := s.gateways.GetByHome(ctx, h)
		switch {
		case errors.Is(err, gateway.ErrGatewayNotFound):
			lastErr = fmt.Errorf("%w: home has no gateway", auth.ErrAuthorizationDenied)
			continue
		case err != nil:
			return nil, err
		case gw.Revoked():
			lastErr = fmt.Errorf("%w: %w", auth.ErrAuthorizationDenied, gateway.ErrGatewayRevoked)
			continue
		}
		return gw, nil
	}
	return nil, lastErr
}

// serveBridge runs the gateway's session on the calling goroutine.
func (s *Server) serveBridge(ctx context.Context, conn *websocket.Conn, gw *gateway.Identity) {
	t := newWSTransport(conn, s.wsCfg.SendBuffer)

	sess, err := s.sessions.Register(ctx, gw.ID, gw.HomeID, t)
	if err != nil {
		s.logger.Error("registering gateway session failed", "gateway_id", gw.ID, "error", err)
		t.Close() //nolint:errcheck // never served
		return
	}

	// Cleanup must finish even though the request context is gone by then.
	cleanupCtx := context.WithoutCancel(ctx)
	defer s.sessions.Unregister(cleanupCtx, sess.ID)
	defer t.Close() //nolint:errcheck // idempotent

	go t.writePump(s.pingInterval(), s.pongWait())

	s.cache.RequestSync(ctx, gw.ID)
	s.readBridge(ctx, conn, sess)
}

// readBridge hands every inbound frame to the dispatcher until the
// connection fails. Frames over the per-connection rate are dropped.
func (s *Server) readBridge(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	limit := rate.Inf
	if s.relayCfg.GatewayMessageRate > 0 {
		limit = rate.Limit(s.relayCfg.GatewayMessageRate)
	}
	limiter := rate.NewLimiter(limit, max(s.relayCfg.GatewayMessageBurst, 1))

	readWait := s.pingInterval() + s.pongWait()
	if s.wsCfg.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	}
	//nolint:errcheck // Best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	limited := false
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("gateway websocket read error", "gateway_id", sess.GatewayID, "error", err)
			} else {
				s.logger.Debug("gateway websocket closed", "gateway_id", sess.GatewayID, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		conn.SetReadDeadline(time.Now().Add(readWait))

		if !limiter.Allow() {
			s.metrics.GatewayMessagesTotal.WithLabelValues("rate_limited").Inc()
			if !limited {
				s.logger.Warn("gateway exceeding message rate, dropping messages",
					"gateway_id", sess.GatewayID,
					"session_id", sess.ID,
				)
				limited = true
			}
			continue
		}
		limited = false

		if err := s.inbound.Handle(ctx, sess, message); err != nil && !relay.IsMalformed(err) {
			s.logger.Warn("gateway message handling failed",
				"gateway_id", sess.GatewayID,
				"session_id", sess.ID,
				"error", err,
			)
		}
	}
}

func (s *Server) pingInterval() time.Duration {
	if s.wsCfg.PingInterval <= 0 {
		return 30 * time.Second //nolint:mnd // websocket.ping_interval default
	}
	return time.Duration(s.wsCfg.PingInterval) * time.Second
}

func (s *Server) pongWait() time.Duration {
	if s.wsCfg.PongTimeout <= 0 {
		return 10 * time.Second //nolint:mnd // websocket.pong_timeout default
	}
	return time.Duration(s.wsCfg.PongTimeout) * time.Second
}

// wsTransport is a gateway session's outbound side: a bounded queue drained
// by one writer goroutine, which keeps frames in order.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSTransport(conn *websocket.Conn, buffer int) *wsTransport {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &wsTransport{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send enqueues payload without blocking.
func (t *wsTransport) Send(payload []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.send <- payload:
		return nil
	case <-t.done:
		return errTransportClosed
	default:
		return errSendBufferFull
	}
}

// Close stops the writer and closes the connection, which also ends the
// session's read loop.
func (t *wsTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		//nolint:errcheck // Best-effort close frame
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.conn.Close()
	})
	return nil
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// writePump writes queued frames and keepalive pings until the transport
// is closed or a write fails.
func (t *wsTransport) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		t.Close() //nolint:errcheck // idempotent
	}()

	for {
		select {
		case <-t.done:
			return
		case message := <-t.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
