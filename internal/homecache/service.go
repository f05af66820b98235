package homecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/gateway"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/keylock"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-relay/internal/session"
	"github.com/nerrad567/gray-logic-relay/internal/wire"
)

// Defaults for Config.
const (
	DefaultSyncInterval = 30 * time.Second
	DefaultSyncCooldown = 5 * time.Second
)

// Logger defines the logging interface used by the Service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Authorizer is the access gate.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, homeID string, capability auth.Capability) (auth.Role, error)
}

// Sessions is the part of the session registry the cache uses.
type Sessions interface {
	Status(gatewayID string) session.State
	Send(ctx context.Context, gatewayID string, payload []byte) error
}

// Gateways resolves a home to its gateway.
type Gateways interface {
	GetByHome(ctx context.Context, homeID string) (*gateway.Identity, error)
}

// Config tunes sync behaviour.
type Config struct {
	// SyncInterval is the snapshot age after which a read asks for a new one.
	SyncInterval time.Duration

	// SyncCooldown suppresses repeated sync requests to the same gateway.
	SyncCooldown time.Duration
}

// Service serves cached home data and applies gateway snapshots.
type Service struct {
	repo     Repository
	gate     Authorizer
	sessions Sessions
	gateways Gateways
	cfg      Config
	locks    *keylock.Locker
	now      func() time.Time
	metrics  *metrics.Relay
	logger   Logger

	requestMu    sync.Mutex
	lastRequests map[string]time.Time // gateway id -> last get_home_data
}

// NewService creates a cache service.
func NewService(repo Repository, gate Authorizer, sessions Sessions, gateways Gateways, cfg Config) *Service {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.SyncCooldown < 0 {
		cfg.SyncCooldown = 0
	}
	return &Service{
		repo:         repo,
		gate:         gate,
		sessions:     sessions,
		gateways:     gateways,
		cfg:          cfg,
		locks:        keylock.New(),
		now:          time.Now,
		metrics:      metrics.NewUnregistered(),
		logger:       noopLogger{},
		lastRequests: make(map[string]time.Time),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics records snapshot applies on m.
func (s *Service) SetMetrics(m *metrics.Relay) {
	s.metrics = m
}

// SetClock replaces time.Now. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// ShouldSync reports whether the home has no snapshot or an old one.
func (s *Service) ShouldSync(ctx context.Context, homeID string) (bool, error) {
	home, err := s.repo.GetHome(ctx, homeID)
	if errors.Is(err, ErrNotSynced) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.stale(home), nil
}

// stale reports whether home's snapshot is older than the sync interval.
func (s *Service) stale(home *Home) bool {
	return s.now().Sub(home.LastSyncedAt) > s.cfg.SyncInterval
}

// RequestSync asks the gateway for a full snapshot. It sends nothing, and
// returns false, when the gateway has no usable session or was asked within
// the cooldown. Callers report "syncing" either way.
func (s *Service) RequestSync(ctx context.Context, gatewayID string) bool {
	if s.sessions.Status(gatewayID) != session.StateOnline {
		return false
	}

	now := s.now()
	s.requestMu.Lock()
	if last, ok := s.lastRequests[gatewayID]; ok && now.Sub(last) < s.cfg.SyncCooldown {
		s.requestMu.Unlock()
		return false
	}
	s.lastRequests[gatewayID] = now
	s.requestMu.Unlock()

	requestID := uuid.NewString()
	payload, err := wire.EncodeGetHomeData(requestID)
	if err != nil {
		s.logger.Error("encoding sync request", "error", err)
		return false
	}
	if err := s.sessions.Send(ctx, gatewayID, payload); err != nil {
		s.logger.Warn("sync request not sent", "gateway_id", gatewayID, "error", err)
		return false
	}

	s.logger.Debug("sync requested", "gateway_id", gatewayID, "request_id", requestID)
	return true
}

// ApplySnapshot replaces the home's cached graph with snap. Applies for one
// home run one at a time.
func (s *Service) ApplySnapshot(ctx context.Context, homeID, gatewayID string, snap Snapshot) error {
	unlock := s.locks.Lock(homeID)
	defer unlock()

	err := s.repo.ReplaceSnapshot(ctx, homeID, gatewayID, snap, s.now())
	s.metrics.SnapshotsTotal.WithLabelValues("full", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("applying snapshot: %w", err)
	}

	s.logger.Info("home snapshot applied",
		"home_id", homeID,
		"entities", len(snap.Entities),
		"scenes", len(snap.Scenes),
		"automations", len(snap.Automations),
		"locations", len(snap.Locations),
	)
	return nil
}

// ApplyEntities replaces the home's cached entities only.
func (s *Service) ApplyEntities(ctx context.Context, homeID string, entities []Entity) error {
	unlock := s.locks.Lock(homeID)
	defer unlock()

	err := s.repo.ReplaceEntities(ctx, homeID, entities, s.now())
	s.metrics.SnapshotsTotal.WithLabelValues("entities", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("applying entities: %w", err)
	}
	return nil
}

// ApplyPartialState merges state into one cached entity; a null value
// removes that key. It never creates rows and never moves last_synced_at;
// it reports whether the entity was cached.
func (s *Service) ApplyPartialState(ctx context.Context, homeID, edgeID string, state json.RawMessage) (bool, error) {
	unlock := s.locks.Lock(homeID)
	defer unlock()

	updated, err := s.repo.MergeEntityState(ctx, homeID, edgeID, state, s.now())
	s.metrics.SnapshotsTotal.WithLabelValues("state", metrics.Result(err)).Inc()
	if err != nil {
		return false, err
	}
	return updated, nil
}

// Entities returns the home's cached entities.
func (s *Service) Entities(ctx context.Context, principalID, homeID string) ([]Entity, error) {
	if _, err := s.prepareRead(ctx, principalID, homeID); err != nil {
		return nil, err
	}
	return s.repo.ListEntities(ctx, homeID)
}

// Scenes returns the home's cached scenes.
func (s *Service) Scenes(ctx context.Context, principalID, homeID string) ([]Scene, error) {
	if _, err := s.prepareRead(ctx, principalID, homeID); err != nil {
		return nil, err
	}
	return s.repo.ListScenes(ctx, homeID)
}

// Automations returns the home's cached automations.
func (s *Service) Automations(ctx context.Context, principalID, homeID string) ([]Automation, error) {
	if _, err := s.prepareRead(ctx, principalID, homeID); err != nil {
		return nil, err
	}
	return s.repo.ListAutomations(ctx, homeID)
}

// Locations returns the home's cached locations.
func (s *Service) Locations(ctx context.Context, principalID, homeID string) ([]Location, error) {
	if _, err := s.prepareRead(ctx, principalID, homeID); err != nil {
		return nil, err
	}
	return s.repo.ListLocations(ctx, homeID)
}

// HomeData returns every cached collection of the home.
func (s *Service) HomeData(ctx context.Context, principalID, homeID string) (*HomeData, error) {
	home, err := s.prepareRead(ctx, principalID, homeID)
	if err != nil {
		return nil, err
	}

	data := &HomeData{Home: *home}
	if data.Entities, err = s.repo.ListEntities(ctx, homeID); err != nil {
		return nil, err
	}
	if data.Scenes, err = s.repo.ListScenes(ctx, homeID); err != nil {
		return nil, err
	}
	if data.Automations, err = s.repo.ListAutomations(ctx, homeID); err != nil {
		return nil, err
	}
	if data.Locations, err = s.repo.ListLocations(ctx, homeID); err != nil {
		return nil, err
	}
	return data, nil
}

// Devices returns the home's entities grouped by device.
func (s *Service) Devices(ctx context.Context, principalID, homeID string) ([]Device, error) {
	home, err := s.prepareRead(ctx, principalID, homeID)
	if err != nil {
		return nil, err
	}
	entities, err := s.repo.ListEntities(ctx, homeID)
	if err != nil {
		return nil, err
	}
	online := s.sessions.Status(home.GatewayID) == session.StateOnline
	return GroupDevices(entities, online), nil
}

// Sync asks the home's gateway for a snapshot on behalf of a reader.
func (s *Service) Sync(ctx context.Context, principalID, homeID string) (bool, error) {
	if _, err := s.gate.Authorize(ctx, principalID, homeID, auth.CapRead); err != nil {
		return false, err
	}
	gw, err := s.gateways.GetByHome(ctx, homeID)
	if errors.Is(err, gateway.ErrGatewayNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if gw.Revoked() {
		return false, nil
	}
	return s.RequestSync(ctx, gw.ID), nil
}

// LastSynced returns the home's snapshot record, or ErrNotSynced.
func (s *Service) LastSynced(ctx context.Context, homeID string) (*Home, error) {
	return s.repo.GetHome(ctx, homeID)
}

// prepareRead authorises the read once, triggers a background sync when the
// snapshot is missing or old, and returns the snapshot record.
func (s *Service) prepareRead(ctx context.Context, principalID, homeID string) (*Home, error) {
	if _, err := s.gate.Authorize(ctx, principalID, homeID, auth.CapRead); err != nil {
		return nil, err
	}

	home, err := s.repo.GetHome(ctx, homeID)
	if errors.Is(err, ErrNotSynced) {
		s.syncHome(ctx, homeID)
		return nil, ErrNotSynced
	}
	if err != nil {
		return nil, err
	}

	if s.stale(home) {
		s.syncHome(ctx, homeID)
	}
	return home, nil
}

func (s *Service) syncHome(ctx context.Context, homeID string) {
	gw, err := s.gateways.GetByHome(ctx, homeID)
	if err != nil {
		if !errors.Is(err, gateway.ErrGatewayNotFound) {
			s.logger.Warn("resolving gateway for sync", "home_id", homeID, "error", err)
		}
		return
	}
	if gw.Revoked() {
		return
	}
	s.RequestSync(context.WithoutCancel(ctx), gw.ID)
}
