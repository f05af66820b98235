package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-relay/internal/audit"
	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/gateway"
	"github.com/nerrad567/gray-logic-relay/internal/homecache"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-relay/internal/pairing"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
	"github.com/nerrad567/gray-logic-relay/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Relay     config.RelayConfig
	Logger    *logging.Logger
	DB        *database.DB
	Gate      *auth.Gate
	Perms     *auth.SQLitePermissionRepository
	Gateways  *gateway.Service
	Sessions  *session.Registry
	Commands  *relay.Relay
	Inbound   *relay.Dispatcher
	Acks      *relay.AckRouter
	Pairing   *pairing.Service
	Cache     *homecache.Service
	AuditRepo audit.Repository
	Auditor   *audit.Recorder
	Metrics   *metrics.Relay
	Gatherer  prometheus.Gatherer

	// Optional; reported by the health endpoint when set.
	MQTT   *mqtt.Client
	Influx *influxdb.Client

	Version string
}

// Server is the relay's HTTP API server.
//
// It owns the HTTP listener, the router and the client event hub. Gateway
// sessions belong to the session registry; the server only accepts them.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	relayCfg  config.RelayConfig
	logger    *logging.Logger
	db        *database.DB
	gate      *auth.Gate
	perms     *auth.SQLitePermissionRepository
	gateways  *gateway.Service
	sessions  *session.Registry
	commands  *relay.Relay
	inbound   *relay.Dispatcher
	acks      *relay.AckRouter
	pairing   *pairing.Service
	cache     *homecache.Service
	auditRepo audit.Repository
	auditor   *audit.Recorder
	metrics   *metrics.Relay
	gatherer  prometheus.Gatherer
	mqtt      *mqtt.Client
	influx    *influxdb.Client
	version   string
	startTime time.Time

	hub     *Hub
	handler http.Handler
	server  *http.Server
	cancel  context.CancelFunc

	// bridges counts gateway handlers still running, including their
	// session cleanup.
	bridges sync.WaitGroup
}

// New creates a new API server with the given dependencies.
// The router is built immediately; the listener starts with Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gate == nil || deps.Perms == nil {
		return nil, fmt.Errorf("access gate and permission store are required")
	}
	if deps.Gateways == nil || deps.Sessions == nil || deps.Inbound == nil {
		return nil, fmt.Errorf("gateway service, session registry and dispatcher are required")
	}
	if deps.Commands == nil || deps.Pairing == nil || deps.Cache == nil {
		return nil, fmt.Errorf("relay, pairing and cache services are required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		relayCfg:  deps.Relay,
		logger:    deps.Logger,
		db:        deps.DB,
		gate:      deps.Gate,
		perms:     deps.Perms,
		gateways:  deps.Gateways,
		sessions:  deps.Sessions,
		commands:  deps.Commands,
		inbound:   deps.Inbound,
		acks:      deps.Acks,
		pairing:   deps.Pairing,
		cache:     deps.Cache,
		auditRepo: deps.AuditRepo,
		auditor:   deps.Auditor,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		mqtt:      deps.MQTT,
		influx:    deps.Influx,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.gate, s.commands, s.logger.With("component", "client_hub"))
	s.hub.SetMetrics(s.metrics)
	s.handler = s.buildRouter()
	return s, nil
}

// Hub returns the client event hub. It is a relay.Notifier.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP connections in a background goroutine.
// Handlers see a context derived from ctx, so cancelling it ends long-lived
// WebSocket connections too.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// Hijacked WebSocket connections are not tracked by http.Server, so gateway
// sessions and client streams are closed explicitly. Close returns once every
// gateway handler has unregistered its session, or after
// gracefulShutdownTimeout.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.sessions.CloseAll()
	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	shutdownErr := s.server.Shutdown(ctx)

	// A handshake that was in flight during CloseAll may have registered
	// since; the listener is closed now, so no more can.
	s.sessions.CloseAll()
	if err := s.waitBridges(ctx); err != nil {
		s.logger.Warn("gateway sessions still open at shutdown", "error", err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("shutting down API server: %w", shutdownErr)
	}
	return nil
}

// waitBridges blocks until every gateway handler has returned or ctx ends.
func (s *Server) waitBridges(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bridges.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for gateway sessions: %w", ctx.Err())
	}
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
