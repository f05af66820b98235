package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/keylock"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/metrics"
)

// DefaultStaleThreshold is how long a session may go without a heartbeat
// before it stops accepting new commands.
const DefaultStaleThreshold = 2 * time.Minute

// Logger defines the logging interface used by the Registry.
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

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStaleThreshold overrides DefaultStaleThreshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithMetrics records session counts and lifecycle events on m.
func WithMetrics(m *metrics.Relay) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithPresence registers fn to hear about online/offline transitions.
func WithPresence(fn PresenceFunc) Option {
	return func(r *Registry) { r.presence = fn }
}

// Registry holds the live session of every connected gateway.
//
// Writes for one gateway (register, unregister, eviction) are serialised
// with a per-gateway lock, so status updates reach the store in the order
// the sessions changed. Operations on different gateways never share a lock
// beyond the brief shard bookkeeping.
//
// All public methods are thread-safe.
type Registry struct {
	byGateway *index
	bySession *index
	locks     *keylock.Locker

	store          StatusStore
	staleThreshold time.Duration
	now            func() time.Time
	presence       PresenceFunc
	metrics        *metrics.Relay
	logger         Logger
}

// NewRegistry creates an empty registry that records liveness in store.
func NewRegistry(store StatusStore, opts ...Option) *Registry {
	r := &Registry{
		byGateway:      newIndex(),
		bySession:      newIndex(),
		locks:          keylock.New(),
		store:          store,
		staleThreshold: DefaultStaleThreshold,
		now:            time.Now,
		presence:       func(string, string, bool) {},
		logger:         noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewUnregistered()
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// StaleThreshold returns the configured staleness bound.
func (r *Registry) StaleThreshold() time.Duration {
	return r.staleThreshold
}

// Register makes transport the live session for gatewayID. Any previous
// session for the gateway is removed and its transport closed before the
// new session becomes visible.
func (r *Registry) Register(ctx context.Context, gatewayID, homeID string, transport Transport) (*Session, error) {
	if gatewayID == "" || transport == nil {
		return nil, fmt.Errorf("registering session: gateway id and transport are required")
	}

	unlock := r.locks.Lock(gatewayID)
	defer unlock()

	if old := r.byGateway.get(gatewayID); old != nil {
		r.remove(old)
		_ = old.transport.Close() //nolint:errcheck // superseded connection
		r.metrics.SessionEventsTotal.WithLabelValues("superseded").Inc()
		r.logger.Info("gateway session superseded",
			"gateway_id", gatewayID,
			"old_session_id", old.ID,
			"old_remote_addr", old.RemoteAddr,
		)
	}

	now := r.now().UTC()
	s := &Session{
		ID:          uuid.NewString(),
		GatewayID:   gatewayID,
		HomeID:      homeID,
		RemoteAddr:  transport.RemoteAddr(),
		ConnectedAt: now,
		transport:   transport,
	}
	s.lastHeartbeat.Store(now.UnixNano())

	r.bySession.put(s.ID, s)
	r.byGateway.put(gatewayID, s)
	r.metrics.SessionsActive.Inc()
	r.metrics.SessionEventsTotal.WithLabelValues("registered").Inc()

	// Liveness lives in memory; the persisted status is a best-effort mirror.
	if err := r.store.MarkOnline(ctx, gatewayID); err != nil {
		r.logger.Warn("marking gateway online failed", "gateway_id", gatewayID, "error", err)
	}
	r.presence(gatewayID, homeID, true)

	r.logger.Info("gateway session registered",
		"gateway_id", gatewayID,
		"home_id", homeID,
		"session_id", s.ID,
		"remote_addr", s.RemoteAddr,
	)
	return s, nil
}

// Heartbeat records a heartbeat for the session. It is a no-op if the
// session is gone.
func (r *Registry) Heartbeat(sessionID string, at time.Time) {
	s := r.bySession.get(sessionID)
	if s == nil {
		return
	}
	s.lastHeartbeat.Store(at.UnixNano())
}

// Lookup returns the live session for gatewayID.
func (r *Registry) Lookup(gatewayID string) (*Session, bool) {
	s := r.byGateway.get(gatewayID)
	return s, s != nil
}

// Unregister removes the session. The gateway is marked offline only when
// the session was still its current one; a superseded session's late
// cleanup leaves the replacement untouched. Unregister is idempotent.
func (r *Registry) Unregister(ctx context.Context, sessionID string) {
	s := r.bySession.get(sessionID)
	if s == nil {
		return
	}

	unlock := r.locks.Lock(s.GatewayID)
	defer unlock()

	wasCurrent := r.remove(s)
	if !wasCurrent {
		return
	}
	r.metrics.SessionEventsTotal.WithLabelValues("unregistered").Inc()
	r.markOffline(ctx, s)
}

// Evict closes and removes the gateway's live session, if any.
func (r *Registry) Evict(ctx context.Context, gatewayID string) bool {
	unlock := r.locks.Lock(gatewayID)
	defer unlock()

	s := r.byGateway.get(gatewayID)
	if s == nil {
		return false
	}
	r.evictLocked(ctx, s)
	return true
}

// Status reports whether the gateway is online, stale or offline.
func (r *Registry) Status(gatewayID string) State {
	s, ok := r.Lookup(gatewayID)
	if !ok {
		return StateOffline
	}
	return r.stateOf(s)
}

// Info returns a status snapshot of the gateway's live session.
func (r *Registry) Info(gatewayID string) (Info, bool) {
	s, ok := r.Lookup(gatewayID)
	if !ok {
		return Info{GatewayID: gatewayID, State: StateOffline}, false
	}
	return Info{
		SessionID:       s.ID,
		GatewayID:       s.GatewayID,
		HomeID:          s.HomeID,
		RemoteAddr:      s.RemoteAddr,
		State:           r.stateOf(s),
		ConnectedAt:     s.ConnectedAt,
		LastHeartbeatAt: s.LastHeartbeatAt(),
		SentCount:       s.SentCount(),
		RecvCount:       s.RecvCount(),
	}, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return r.byGateway.len()
}

// Send enqueues payload on the gateway's live session without waiting for
// delivery. A failed enqueue evicts the session.
func (r *Registry) Send(ctx context.Context, gatewayID string, payload []byte) error {
	s, ok := r.Lookup(gatewayID)
	if !ok {
		return ErrNoSession
	}
	return r.SendTo(ctx, s, payload)
}

// SendTo enqueues payload on a specific session, such as the one a message
// arrived on. A failed enqueue evicts that session.
func (r *Registry) SendTo(ctx context.Context, s *Session, payload []byte) error {
	if err := s.transport.Send(payload); err != nil {
		r.logger.Warn("gateway send failed, evicting session",
			"gateway_id", s.GatewayID,
			"session_id", s.ID,
			"error", err,
		)
		unlock := r.locks.Lock(s.GatewayID)
		r.evictLocked(context.WithoutCancel(ctx), s)
		unlock()
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	s.sent.Add(1)
	return nil
}

// CloseAll closes every live session. Used at shutdown; each connection's
// own cleanup then unregisters it.
func (r *Registry) CloseAll() {
	r.byGateway.each(func(s *Session) {
		_ = s.transport.Close() //nolint:errcheck // shutting down
	})
}

func (r *Registry) stateOf(s *Session) State {
	if r.now().Sub(s.LastHeartbeatAt()) > r.staleThreshold {
		return StateStale
	}
	return StateOnline
}

// evictLocked must be called with the gateway's lock held.
func (r *Registry) evictLocked(ctx context.Context, s *Session) {
	_ = s.transport.Close() //nolint:errcheck // evicting
	if !r.remove(s) {
		return
	}
	r.metrics.SessionEventsTotal.WithLabelValues("evicted").Inc()
	r.markOffline(ctx, s)
}

// remove drops s from both indexes and reports whether it was the
// gateway's current session.
func (r *Registry) remove(s *Session) bool {
	r.bySession.deleteIf(s.ID, s)
	current := r.byGateway.deleteIf(s.GatewayID, s)
	if current {
		r.metrics.SessionsActive.Dec()
	}
	return current
}

func (r *Registry) markOffline(ctx context.Context, s *Session) {
	if err := r.store.MarkOffline(ctx, s.GatewayID); err != nil {
		r.logger.Warn("marking gateway offline failed", "gateway_id", s.GatewayID, "error", err)
	}
	r.presence(s.GatewayID, s.HomeID, false)
	r.logger.Info("gateway session unregistered",
		"gateway_id", s.GatewayID,
		"session_id", s.ID,
		"sent", s.SentCount(),
		"received", s.RecvCount(),
	)
}
