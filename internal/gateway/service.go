package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
)

// lastSeenInterval bounds how often heartbeats are written to last_seen_at.
const lastSeenInterval = time.Minute

// Logger is the logging interface used by the Service.
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

// EnrollRequest describes a gateway identity to create.
type EnrollRequest struct {
	GatewayID string
	HomeID    string
	OwnerID   string
	Name      string
	Version   string
}

// Service manages gateway identities and their credentials.
// It also satisfies the session registry's status store.
type Service struct {
	db     *sql.DB
	repo   *SQLiteRepository
	perms  *auth.SQLitePermissionRepository
	hasher auth.SecretHasher
	logger Logger

	seenMu   sync.Mutex
	lastSeen map[string]time.Time
}

// NewService creates a gateway service over db.
func NewService(db *sql.DB, hasher auth.SecretHasher) *Service {
	return &Service{
		db:       db,
		repo:     NewSQLiteRepository(db),
		perms:    auth.NewPermissionRepository(db),
		hasher:   hasher,
		logger:   noopLogger{},
		lastSeen: make(map[string]time.Time),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// Enroll creates an identity with a fresh secret and grants the owner
// permission, all inside tx. The caller commits. The returned Enrollment
// carries the only plaintext copy of the secret.
func (s *Service) Enroll(ctx context.Context, tx *sql.Tx, req EnrollRequest) (*Enrollment, error) {
	gatewayID, err := canonicalUUID(req.GatewayID, ErrInvalidGatewayID)
	if err != nil {
		return nil, err
	}
	homeID, err := canonicalUUID(req.HomeID, ErrInvalidHomeID)
	if err != nil {
		return nil, err
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("hashing gateway secret: %w", err)
	}

	identity := &Identity{
		ID:         gatewayID,
		HomeID:     homeID,
		OwnerID:    req.OwnerID,
		SecretHash: hash,
		Status:     StatusProvisioning,
		Name:       req.Name,
		Version:    req.Version,
	}
	if err := s.repo.WithTx(tx).Create(ctx, identity); err != nil {
		return nil, err
	}

	err = s.perms.WithTx(tx).Grant(ctx, &auth.HomePermission{
		PrincipalID: req.OwnerID,
		HomeID:      homeID,
		Role:        auth.RoleOwner,
		GrantedBy:   req.OwnerID,
	})
	if err != nil {
		return nil, err
	}

	return &Enrollment{GatewayID: gatewayID, HomeID: homeID, Secret: secret}, nil
}

// Provision creates a gateway identity directly, without a pairing code.
// Empty ids are generated.
func (s *Service) Provision(ctx context.Context, ownerID, homeID, name string) (*Enrollment, error) {
	if homeID == "" {
		homeID = uuid.NewString()
	}

	var enrollment *Enrollment
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		enrollment, err = s.Enroll(ctx, tx, EnrollRequest{
			GatewayID: uuid.NewString(),
			HomeID:    homeID,
			OwnerID:   ownerID,
			Name:      name,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("gateway provisioned",
		"gateway_id", enrollment.GatewayID,
		"home_id", enrollment.HomeID,
		"owner_id", ownerID,
	)
	return enrollment, nil
}

// Get returns the identity with the given id.
func (s *Service) Get(ctx context.Context, gatewayID string) (*Identity, error) {
	return s.repo.GetByID(ctx, gatewayID)
}

// GetByHome returns the identity bound to homeID.
func (s *Service) GetByHome(ctx context.Context, homeID string) (*Identity, error) {
	return s.repo.GetByHome(ctx, homeID)
}

// ListForHomes returns the identities bound to homeIDs.
func (s *Service) ListForHomes(ctx context.Context, homeIDs []string) ([]Identity, error) {
	return s.repo.ListByHomes(ctx, homeIDs)
}

// Revoke disables the identity. Revoking twice is not an error.
func (s *Service) Revoke(ctx context.Context, gatewayID string) error {
	err := s.repo.SetStatus(ctx, gatewayID, StatusRevoked)
	if err != nil && !errors.Is(err, ErrGatewayRevoked) {
		return err
	}
	s.logger.Info("gateway revoked", "gateway_id", gatewayID)
	return nil
}

// Authenticate verifies a gateway's credential. Every failure wraps
// auth.ErrAuthenticationFailed; unknown ids and wrong secrets are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, gatewayID, secret string) (*Identity, error) {
	if gatewayID == "" || secret == "" {
		return nil, fmt.Errorf("%w: missing gateway credential", auth.ErrAuthenticationFailed)
	}

	g, err := s.repo.GetByID(ctx, gatewayID)
	if errors.Is(err, ErrGatewayNotFound) {
		return nil, fmt.Errorf("%w: bad gateway credential", auth.ErrAuthenticationFailed)
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.hasher.Verify(secret, g.SecretHash)
	if err != nil {
		s.logger.Error("stored gateway hash unreadable", "gateway_id", gatewayID, "error", err)
		return nil, fmt.Errorf("%w: bad gateway credential", auth.ErrAuthenticationFailed)
	}
	if !ok {
		return nil, fmt.Errorf("%w: bad gateway credential", auth.ErrAuthenticationFailed)
	}

	if g.Revoked() {
		return nil, fmt.Errorf("%w: %w", auth.ErrAuthenticationFailed, ErrGatewayRevoked)
	}
	return g, nil
}

// MarkOnline records that the gateway has a live session.
func (s *Service) MarkOnline(ctx context.Context, gatewayID string) error {
	if err := s.repo.SetStatus(ctx, gatewayID, StatusOnline); err != nil {
		return err
	}
	return s.touch(ctx, gatewayID, time.Now(), true)
}

// MarkOffline records that the gateway's session ended. Revoked identities
// stay revoked.
func (s *Service) MarkOffline(ctx context.Context, gatewayID string) error {
	err := s.repo.SetStatus(ctx, gatewayID, StatusOffline)
	if errors.Is(err, ErrGatewayRevoked) {
		return nil
	}
	s.seenMu.Lock()
	delete(s.lastSeen, gatewayID)
	s.seenMu.Unlock()
	return err
}

// ResetPresence marks gateways left online by a previous process offline.
// Call it at startup, before any session can register.
func (s *Service) ResetPresence(ctx context.Context) error {
	n, err := s.repo.ResetOnline(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("reset stale gateway presence", "count", n)
	}
	return nil
}

// RecordSeen refreshes last_seen_at, at most once per minute per gateway.
func (s *Service) RecordSeen(ctx context.Context, gatewayID string, at time.Time) error {
	return s.touch(ctx, gatewayID, at, false)
}

func (s *Service) touch(ctx context.Context, gatewayID string, at time.Time, force bool) error {
	s.seenMu.Lock()
	prev, seen := s.lastSeen[gatewayID]
	if !force && seen && at.Sub(prev) < lastSeenInterval {
		s.seenMu.Unlock()
		return nil
	}
	s.lastSeen[gatewayID] = at
	s.seenMu.Unlock()

	return s.repo.TouchLastSeen(ctx, gatewayID, at)
}

func canonicalUUID(s string, invalid error) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", invalid, s)
	}
	return id.String(), nil
}
