package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTypeAccess is the only token_type the relay accepts.
const TokenTypeAccess = "access"

// AccessClaims is the claim set issued by the auth service and consumed here.
//
// Homes is advisory. It helps a bearer-mode gateway handshake pick a home,
// but every operation is still checked against the live HomePermission.
type AccessClaims struct {
	jwt.RegisteredClaims
	UserID    string   `json:"user_id"`
	Email     string   `json:"email,omitempty"`
	Homes     []string `json:"homes"`
	TokenType string   `json:"token_type"`
}

// IssueAccessToken signs an access token for userID. The relay never issues
// tokens in production; this is used by tooling and tests that stand in for
// the auth service.
func IssueAccessToken(userID string, homes []string, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute //nolint:mnd // default access token TTL
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:    userID,
		Homes:     homes,
		TokenType: TokenTypeAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken validates signature, expiry and token type and returns
// the claims. Every failure wraps both ErrAuthenticationFailed and
// ErrTokenInvalid.
func ParseAccessToken(tokenString, secret string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrAuthenticationFailed, ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, ErrTokenInvalid)
	}

	if claims.TokenType != TokenTypeAccess {
		return nil, fmt.Errorf("%w: %w: token_type %q", ErrAuthenticationFailed, ErrTokenInvalid, claims.TokenType)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: %w: missing user_id", ErrAuthenticationFailed, ErrTokenInvalid)
	}

	return claims, nil
}
