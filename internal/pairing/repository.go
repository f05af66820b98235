package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
)

// Repository defines persistence for pairing codes.
type Repository interface {
	// Insert stores a new code, first deleting an expired unused row with
	// the same value. It returns ErrCodeTaken if the value is in use.
	Insert(ctx context.Context, c *Code) error

	// Get returns ErrCodeNotFound when no row has that code.
	Get(ctx context.Context, code string) (*Code, error)

	// Claim marks the code used if it is unused and unexpired at now and
	// returns the claimed row. It returns ErrCodeNotClaimable otherwise.
	Claim(ctx context.Context, code string, now time.Time) (*Code, error)

	// Bind records the gateway the code enrolled.
	Bind(ctx context.Context, code, gatewayID string) error

	// DeleteExpired removes unused codes that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

var (
	ErrCodeTaken        = errors.New("pairing code value in use")
	ErrCodeNotFound     = errors.New("pairing code not found")
	ErrCodeNotClaimable = errors.New("pairing code not claimable")
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a SQLite-backed pairing code repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// WithTx returns a repository whose statements run inside tx.
func (r *SQLiteRepository) WithTx(tx *sql.Tx) *SQLiteRepository {
	return &SQLiteRepository{db: tx}
}

const selectCode = `
	SELECT code, requester_id, home_name, is_used, used_at,
		bound_gateway_id, created_at, expires_at
	FROM pairing_codes`

// Insert stores c.
func (r *SQLiteRepository) Insert(ctx context.Context, c *Code) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM pairing_codes WHERE code = ? AND is_used = 0 AND expires_at <= ?`,
		c.Code, database.FormatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("purging expired pairing code: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pairing_codes (code, requester_id, home_name, is_used, created_at, expires_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		c.Code, c.RequesterID, c.HomeName,
		database.FormatTime(c.CreatedAt), database.FormatTime(c.ExpiresAt),
	)
	if database.IsUniqueViolation(err, "pairing_codes.code") {
		return ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("inserting pairing code: %w", err)
	}
	return nil
}

// Get retrieves a code.
func (r *SQLiteRepository) Get(ctx context.Context, code string) (*Code, error) {
	c, err := scanCode(r.db.QueryRowContext(ctx, selectCode+" WHERE code = ?", code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pairing code: %w", err)
	}
	return c, nil
}

// Claim marks the code used. The WHERE clause is the validity check, so a
// second claim of the same code matches no rows.
func (r *SQLiteRepository) Claim(ctx context.Context, code string, now time.Time) (*Code, error) {
	ts := database.FormatTime(now)
	c, err := scanCode(r.db.QueryRowContext(ctx, `
		UPDATE pairing_codes SET is_used = 1, used_at = ?
		WHERE code = ? AND is_used = 0 AND expires_at > ?
		RETURNING code, requester_id, home_name, is_used, used_at,
			bound_gateway_id, created_at, expires_at`,
		ts, code, ts,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claiming pairing code: %w", err)
	}
	return c, nil
}

// Bind sets bound_gateway_id.
func (r *SQLiteRepository) Bind(ctx context.Context, code, gatewayID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pairing_codes SET bound_gateway_id = ? WHERE code = ?`,
		gatewayID, code,
	)
	if err != nil {
		return fmt.Errorf("binding pairing code: %w", err)
	}
	return nil
}

// DeleteExpired removes expired unused codes.
func (r *SQLiteRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM pairing_codes WHERE is_used = 0 AND expires_at <= ?`,
		database.FormatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired pairing codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (*Code, error) {
	var (
		c                    Code
		isUsed               int
		usedAt, boundGateway sql.NullString
		createdAt, expiresAt string
	)
	err := row.Scan(&c.Code, &c.RequesterID, &c.HomeName, &isUsed, &usedAt,
		&boundGateway, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	c.IsUsed = isUsed != 0
	c.UsedAt = database.NullTime(usedAt)
	c.BoundGatewayID = boundGateway.String
	c.CreatedAt = database.ParseTime(createdAt)
	c.ExpiresAt = database.ParseTime(expiresAt)
	return &c, nil
}
