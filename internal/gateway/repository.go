package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
)

// Repository defines persistence for gateway identities.
type Repository interface {
	// Create inserts a new identity. It returns ErrHomeAlreadyPaired when the
	// home is taken and ErrGatewayExists when the id is.
	Create(ctx context.Context, g *Identity) error

	// GetByID returns ErrGatewayNotFound when no identity has that id.
	GetByID(ctx context.Context, id string) (*Identity, error)

	// GetByHome returns ErrGatewayNotFound when the home has no gateway.
	GetByHome(ctx context.Context, homeID string) (*Identity, error)

	// ListByHomes returns the identities bound to any of homeIDs.
	ListByHomes(ctx context.Context, homeIDs []string) ([]Identity, error)

	// SetStatus changes the status. A revoked identity never changes status
	// again; SetStatus on it returns ErrGatewayRevoked.
	SetStatus(ctx context.Context, id string, status Status) error

	// TouchLastSeen records the time the gateway was last heard from.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error

	// ResetOnline marks every online identity offline and returns how many
	// changed.
	ResetOnline(ctx context.Context) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a SQLite-backed gateway repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// WithTx returns a repository whose statements run inside tx.
func (r *SQLiteRepository) WithTx(tx *sql.Tx) *SQLiteRepository {
	return &SQLiteRepository{db: tx}
}

const selectIdentity = `
	SELECT id, home_id, owner_id, secret_hash, status, name, version,
		last_seen_at, created_at, updated_at
	FROM gateways`

// Create inserts a new identity.
func (r *SQLiteRepository) Create(ctx context.Context, g *Identity) error {
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = g.CreatedAt
	if g.Status == "" {
		g.Status = StatusProvisioning
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateways (id, home_id, owner_id, secret_hash, status, name, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.HomeID, g.OwnerID, g.SecretHash, string(g.Status), g.Name, g.Version,
		database.FormatTime(g.CreatedAt), database.FormatTime(g.UpdatedAt),
	)
	switch {
	case err == nil:
		return nil
	case database.IsUniqueViolation(err, "gateways.home_id"):
		return ErrHomeAlreadyPaired
	case database.IsUniqueViolation(err, "gateways.id"):
		return ErrGatewayExists
	default:
		return fmt.Errorf("inserting gateway: %w", err)
	}
}

// GetByID retrieves an identity by gateway id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Identity, error) {
	return r.getOne(ctx, selectIdentity+" WHERE id = ?", id)
}

// GetByHome retrieves the identity bound to homeID.
func (r *SQLiteRepository) GetByHome(ctx context.Context, homeID string) (*Identity, error) {
	return r.getOne(ctx, selectIdentity+" WHERE home_id = ?", homeID)
}

func (r *SQLiteRepository) getOne(ctx context.Context, query, arg string) (*Identity, error) {
	g, err := scanIdentity(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGatewayNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying gateway: %w", err)
	}
	return g, nil
}

// ListByHomes returns identities for homeIDs ordered by creation time.
func (r *SQLiteRepository) ListByHomes(ctx context.Context, homeIDs []string) ([]Identity, error) {
	gateways := []Identity{}
	if len(homeIDs) == 0 {
		return gateways, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(homeIDs)), ",")
	args := make([]any, len(homeIDs))
	for i, id := range homeIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx,
		selectIdentity+" WHERE home_id IN ("+placeholders+") ORDER BY created_at, id", args...) //nolint:gosec // placeholders only
	if err != nil {
		return nil, fmt.Errorf("listing gateways: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		g, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning gateway: %w", err)
		}
		gateways = append(gateways, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gateways: %w", err)
	}
	return gateways, nil
}

// SetStatus updates the status of a non-revoked identity.
func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, status Status) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE gateways SET status = ?, updated_at = ? WHERE id = ? AND status != 'revoked'",
		string(status), database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating gateway status: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows > 0 {
		return nil
	}

	// Distinguish a missing identity from a revoked one.
	g, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if g.Revoked() {
		return ErrGatewayRevoked
	}
	return nil
}

// TouchLastSeen sets last_seen_at.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE gateways SET last_seen_at = ? WHERE id = ?",
		database.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating gateway last seen: %w", err)
	}
	return nil
}

// ResetOnline sets every online identity to offline. Revoked and
// provisioning identities are untouched.
func (r *SQLiteRepository) ResetOnline(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE gateways SET status = 'offline', updated_at = ? WHERE status = 'online'",
		database.FormatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("resetting gateway status: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return rows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var g Identity
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&g.ID, &g.HomeID, &g.OwnerID, &g.SecretHash, &g.Status,
		&g.Name, &g.Version, &lastSeen, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	g.LastSeenAt = database.NullTime(lastSeen)
	g.CreatedAt = database.ParseTime(createdAt)
	g.UpdatedAt = database.ParseTime(updatedAt)
	return &g, nil
}
