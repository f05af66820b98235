package pairing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/audit"
	"github.com/nerrad567/gray-logic-relay/internal/gateway"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/metrics"
)

const (
	codeDigits = 8
	codeSpace  = 100_000_000

	// maxCreateAttempts bounds collision retries. With 10^8 values a second
	// attempt is already rare.
	maxCreateAttempts = 16
)

var codePattern = regexp.MustCompile(`^[0-9]{8}$`)

// Logger defines the logging interface used by this package.
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

// Enroller creates gateway identities inside a caller-owned transaction.
type Enroller interface {
	Enroll(ctx context.Context, tx *sql.Tx, req gateway.EnrollRequest) (*gateway.Enrollment, error)
}

// Auditor records pairing activity.
type Auditor interface {
	Record(e audit.Entry)
}

// Config bounds code lifetimes.
type Config struct {
	DefaultExpiry time.Duration
	MinExpiry     time.Duration
	MaxExpiry     time.Duration
}

// DefaultConfig is 10 minutes, bounded to [5m, 60m].
var DefaultConfig = Config{
	DefaultExpiry: 10 * time.Minute,
	MinExpiry:     5 * time.Minute,
	MaxExpiry:     60 * time.Minute,
}

// Service runs the pairing workflow.
type Service struct {
	db       *sql.DB
	repo     *SQLiteRepository
	enroller Enroller
	cfg      Config
	auditor  Auditor
	metrics  *metrics.Relay
	logger   Logger
	now      func() time.Time
	generate func() (string, error)
}

// NewService creates a pairing service. Zero fields in cfg take their
// DefaultConfig values.
func NewService(db *sql.DB, enroller Enroller, cfg Config) *Service {
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = DefaultConfig.DefaultExpiry
	}
	if cfg.MinExpiry <= 0 {
		cfg.MinExpiry = DefaultConfig.MinExpiry
	}
	if cfg.MaxExpiry <= 0 {
		cfg.MaxExpiry = DefaultConfig.MaxExpiry
	}
	return &Service{
		db:       db,
		repo:     NewSQLiteRepository(db),
		enroller: enroller,
		cfg:      cfg,
		metrics:  metrics.NewUnregistered(),
		logger:   noopLogger{},
		now:      time.Now,
		generate: randomCode,
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics records pairing outcomes on m.
func (s *Service) SetMetrics(m *metrics.Relay) {
	s.metrics = m
}

// SetAuditor records issued and completed pairings with a.
func (s *Service) SetAuditor(a Auditor) {
	s.auditor = a
}

// Create issues a code for principalID. ttl zero uses the default expiry.
func (s *Service) Create(ctx context.Context, principalID, homeName string, ttl time.Duration) (*Code, error) {
	code, err := s.create(ctx, principalID, homeName, ttl)
	s.metrics.PairingTotal.WithLabelValues("create", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}

	s.logger.Info("pairing code issued",
		"requester_id", principalID,
		"code", logging.Mask(code.Code),
		"expires_at", code.ExpiresAt,
	)
	s.record(audit.Entry{
		Action:      audit.ActionPairingRequested,
		PrincipalID: principalID,
		Source:      audit.SourceAPI,
		Details:     map[string]any{"home_name": homeName, "expires_at": code.ExpiresAt},
	})
	return code, nil
}

func (s *Service) create(ctx context.Context, principalID, homeName string, ttl time.Duration) (*Code, error) {
	if principalID == "" {
		return nil, fmt.Errorf("creating pairing code: requester is required")
	}
	if ttl == 0 {
		ttl = s.cfg.DefaultExpiry
	}
	if ttl < s.cfg.MinExpiry || ttl > s.cfg.MaxExpiry {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidExpiry, ttl, s.cfg.MinExpiry, s.cfg.MaxExpiry)
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		value, err := s.generate()
		if err != nil {
			return nil, fmt.Errorf("generating pairing code: %w", err)
		}

		now := s.now().UTC()
		code := &Code{
			Code:        value,
			RequesterID: principalID,
			HomeName:    homeName,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			return s.repo.WithTx(tx).Insert(ctx, code)
		})
		if errors.Is(err, ErrCodeTaken) {
			s.logger.Debug("pairing code collision, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return code, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// Verify reports whether code could be redeemed now. It never writes.
func (s *Service) Verify(ctx context.Context, code string) (VerifyResult, error) {
	status, err := s.status(ctx, s.repo, code)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		Valid:   status == StatusValid,
		Status:  status,
		Message: status.Message(),
	}, nil
}

func (s *Service) status(ctx context.Context, repo Repository, code string) (Status, error) {
	if !codePattern.MatchString(code) {
		return StatusNotFound, nil
	}
	c, err := repo.Get(ctx, code)
	if errors.Is(err, ErrCodeNotFound) {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}
	switch {
	case c.IsUsed:
		return StatusAlreadyUsed, nil
	case !s.now().Before(c.ExpiresAt):
		return StatusExpired, nil
	default:
		return StatusValid, nil
	}
}

// Redeem enrols the gateway described by req under the code's requester.
// It returns an *InvalidError when the code cannot be used. If enrolment
// fails (the home is already paired, say) the code stays unused.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*gateway.Enrollment, error) {
	var (
		enrollment *gateway.Enrollment
		claimed    *Code
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		repo := s.repo.WithTx(tx)

		var err error
		claimed, err = s.claim(ctx, repo, req.Code)
		if err != nil {
			return err
		}

		name := req.Name
		if name == "" {
			name = claimed.HomeName
		}
		enrollment, err = s.enroller.Enroll(ctx, tx, gateway.EnrollRequest{
			GatewayID: req.GatewayID,
			HomeID:    req.HomeID,
			OwnerID:   claimed.RequesterID,
			Name:      name,
			Version:   req.Version,
		})
		if err != nil {
			return err
		}
		return repo.Bind(ctx, claimed.Code, enrollment.GatewayID)
	})

	result := metrics.Result(err)
	if reason, ok := Reason(err); ok {
		result = string(reason)
	}
	s.metrics.PairingTotal.WithLabelValues("redeem", result).Inc()

	if err != nil {
		s.logger.Warn("pairing redemption failed",
			"code", logging.Mask(req.Code),
			"gateway_id", req.GatewayID,
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("gateway paired",
		"gateway_id", enrollment.GatewayID,
		"home_id", enrollment.HomeID,
		"owner_id", claimed.RequesterID,
		"code", logging.Mask(req.Code),
	)
	s.record(audit.Entry{
		Action:      audit.ActionPairingCompleted,
		HomeID:      enrollment.HomeID,
		GatewayID:   enrollment.GatewayID,
		PrincipalID: claimed.RequesterID,
		Source:      audit.SourceAPI,
		Details:     map[string]any{"version": req.Version},
	})
	return enrollment, nil
}

func (s *Service) claim(ctx context.Context, repo *SQLiteRepository, code string) (*Code, error) {
	if !codePattern.MatchString(code) {
		return nil, &InvalidError{Reason: StatusNotFound}
	}
	claimed, err := repo.Claim(ctx, code, s.now().UTC())
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, ErrCodeNotClaimable) {
		return nil, err
	}

	status, err := s.status(ctx, repo, code)
	if err != nil {
		return nil, err
	}
	if status == StatusValid {
		// Cannot happen inside the transaction; treat it as used.
		status = StatusAlreadyUsed
	}
	return nil, &InvalidError{Reason: status}
}

// Sweep deletes codes that expired without being used.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired pairing codes removed", "count", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("pairing sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) record(e audit.Entry) {
	if s.auditor != nil {
		s.auditor.Record(e)
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
