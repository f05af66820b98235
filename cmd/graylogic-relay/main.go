// Gray Logic Relay - cloud rendezvous for Gray Logic gateways
//
// The relay accepts outbound WebSocket connections from home gateways,
// pairs new gateways to user accounts, relays control commands from remote
// clients, and serves a cached copy of each home's state while its gateway
// is offline or slow.
//
// It never talks to building hardware; the gateway does that.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-relay/internal/api"
	"github.com/nerrad567/gray-logic-relay/internal/audit"
	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/events"
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
	"github.com/nerrad567/gray-logic-relay/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/relay.yaml"

// ackSweepInterval is how often expired ack waiters are dropped.
const ackSweepInterval = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	mqttClient, mqttEvents, err := connectMQTT(cfg.MQTT, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	perms := auth.NewPermissionRepository(db.DB)
	gate := auth.NewGate(perms)

	gateways := gateway.NewService(db.DB, auth.NewArgon2Hasher(auth.DefaultArgon2Params))
	gateways.SetLogger(log.With("component", "gateway"))
	if resetErr := gateways.ResetPresence(ctx); resetErr != nil {
		return fmt.Errorf("resetting gateway presence: %w", resetErr)
	}

	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo)
	recorder.SetLogger(log.With("component", "audit"))

	// Sinks are appended below, once the client hub exists. Nothing emits
	// events before the API server starts.
	notify := new(relay.Notifiers)

	sessions := session.NewRegistry(gateways,
		session.WithStaleThreshold(cfg.Relay.StaleThreshold),
		session.WithMetrics(m),
		session.WithPresence(relay.PresenceFunc(notify, time.Now)),
	)
	sessions.SetLogger(log.With("component", "sessions"))

	acks := relay.NewAckRouter(cfg.Relay.AckTTL)

	commands := relay.New(gate, sessions, gateways, acks)
	commands.SetLogger(log.With("component", "relay"))
	commands.SetMetrics(m)
	commands.SetAuditor(recorder)

	cache := homecache.NewService(homecache.NewSQLiteRepository(db.DB), gate, sessions, gateways, homecache.Config{
		SyncInterval: cfg.Relay.SyncInterval,
		SyncCooldown: cfg.Relay.SyncCooldown,
	})
	cache.SetLogger(log.With("component", "homecache"))
	cache.SetMetrics(m)

	inbound := relay.NewDispatcher(sessions, cache, acks, gateways, notify)
	inbound.SetLogger(log.With("component", "dispatcher"))
	inbound.SetMetrics(m)

	pairingSvc := pairing.NewService(db.DB, gateways, pairing.Config{
		DefaultExpiry: cfg.Pairing.DefaultExpiry,
		MinExpiry:     cfg.Pairing.MinExpiry,
		MaxExpiry:     cfg.Pairing.MaxExpiry,
	})
	pairingSvc.SetLogger(log.With("component", "pairing"))
	pairingSvc.SetMetrics(m)
	pairingSvc.SetAuditor(recorder)

	srv, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Relay:     cfg.Relay,
		Logger:    log.With("component", "api"),
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
		Auditor:   recorder,
		Metrics:   m,
		Gatherer:  registry,
		MQTT:      mqttClient,
		Influx:    influxClient,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	*notify = append(*notify, srv.Hub())
	if mqttEvents != nil {
		*notify = append(*notify, mqttEvents)
	}
	if influxClient != nil {
		*notify = append(*notify, events.NewTelemetry(influxClient))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return acks.Run(gctx, ackSweepInterval) })
	g.Go(func() error { return pairingSvc.RunSweeper(gctx, cfg.Pairing.SweepInterval) })
	if mqttEvents != nil {
		g.Go(func() error { return mqttEvents.Run(gctx) })
	}

	if err := srv.Start(gctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, cleaning up")
		return srv.Close()
	})

	log.Info("initialisation complete",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"bridge_path", cfg.WebSocket.BridgePath,
	)

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Gray Logic Relay stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectMQTT connects the optional event broker. Both results are nil
// when MQTT is disabled.
func connectMQTT(cfg config.MQTTConfig, log *logging.Logger) (*mqtt.Client, *events.MQTT, error) {
	if !cfg.Enabled {
		log.Info("MQTT event publishing disabled")
		return nil, nil, nil
	}

	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)

	sink := events.NewMQTT(client)
	sink.SetLogger(log.With("component", "mqtt_events"))
	return client, sink, nil
}

// connectInflux connects the optional telemetry store. The client is nil
// when InfluxDB is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}
