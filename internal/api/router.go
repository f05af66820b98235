package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// healthCheckTimeout bounds the dependency checks of the health endpoint.
const healthCheckTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(cors.Handler(s.corsOptions()))
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})

	r.Handle("/metrics", s.metricsHandler())

	// Gateway bridge (credentials checked in handler, before upgrade)
	r.Get(s.wsCfg.BridgePath, s.handleBridge)

	// Client event stream (token checked in handler, before upgrade)
	r.Get(s.wsCfg.ClientPath, s.handleClientStream)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Public pairing endpoints, limited per client IP so the 8-digit
		// code space cannot be walked.
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(httprate.LimitByIP(s.cfg.RateLimit.RequestsPerMinute, time.Minute))
			}
			r.Get("/gateways/verify-pairing/{code}", s.handleVerifyPairing)
			r.Post("/gateways/complete-pairing", s.handleCompletePairing)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/gateways", func(r chi.Router) {
				r.Get("/", s.handleListGateways)
				r.Post("/request-pairing", s.handleRequestPairing)
				r.Post("/provision", s.handleProvisionGateway)
				r.Post("/{id}/revoke", s.handleRevokeGateway)
			})

			r.Route("/homes", func(r chi.Router) {
				r.Get("/", s.handleListHomes)

				r.Route("/{home_id}", func(r chi.Router) {
					r.Get("/gateway/status", s.handleGatewayStatus)

					r.Get("/data", s.handleHomeData)
					r.Get("/entities", s.handleListEntities)
					r.Get("/scenes", s.handleListScenes)
					r.Get("/automations", s.handleListAutomations)
					r.Get("/locations", s.handleListLocations)
					r.Get("/devices", s.handleListDevices)
					r.Post("/devices/refresh", s.handleRefreshDevices)
					r.Post("/sync", s.handleSyncHome)

					r.Post("/entities/{entity_id}/control", s.handleControlEntity)
					r.Post("/scenes/{scene_id}/run", s.handleRunScene)
					r.Post("/commands", s.handleSendCommand)

					r.Get("/permissions", s.handleListPermissions)
					r.Put("/permissions", s.handleGrantPermission)
					r.Delete("/permissions/{principal_id}", s.handleRevokePermission)

					r.Get("/audit", s.handleListAuditLogs)
				})
			})
		})
	})

	return r
}

func (s *Server) corsOptions() cors.Options {
	methods := s.cfg.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	headers := s.cfg.CORS.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Authorization", "Content-Type", "X-Request-ID"}
	}
	return cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Sessions      int               `json:"gateway_sessions"`
	Clients       int               `json:"client_connections"`
	PendingAcks   int               `json:"pending_acks"`
	Checks        map[string]string `json:"checks"`
}

// handleHealth reports the relay's dependencies. The database is required;
// MQTT and InfluxDB only degrade the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Sessions:      s.sessions.Count(),
		Clients:       s.hub.ClientCount(),
		Checks:        map[string]string{},
	}
	if s.acks != nil {
		resp.PendingAcks = s.acks.Pending()
	}

	status := http.StatusOK
	if s.db != nil {
		if err := s.db.HealthCheck(ctx); err != nil {
			resp.Checks["database"] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["database"] = "ok"
		}
	}
	if s.mqtt != nil {
		resp.Checks["mqtt"] = checkDependency(ctx, s.mqtt.HealthCheck, &resp)
	}
	if s.influx != nil {
		resp.Checks["influxdb"] = checkDependency(ctx, s.influx.HealthCheck, &resp)
	}

	writeJSON(w, status, resp)
}

func checkDependency(ctx context.Context, check func(context.Context) error, resp *healthResponse) string {
	if err := check(ctx); err != nil {
		if resp.Status == "ok" {
			resp.Status = "degraded"
		}
		return err.Error()
	}
	return "ok"
}
