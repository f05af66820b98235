package pairing

import (
	"errors"
	"fmt"
	"time"
)

// Code is a pairing code row.
type Code struct {
	Code           string     `json:"code"`
	RequesterID    string     `json:"requester_id"`
	HomeName       string     `json:"home_name,omitempty"`
	IsUsed         bool       `json:"is_used"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	BoundGatewayID string     `json:"bound_gateway_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Status is the outcome of checking a code.
type Status string

const (
	StatusValid       Status = "valid"
	StatusAlreadyUsed Status = "already_used"
	StatusExpired     Status = "expired"
	StatusNotFound    Status = "not_found"
)

// Message is the user-facing text for a status.
func (s Status) Message() string {
	switch s {
	case StatusValid:
		return "Pairing code is valid"
	case StatusAlreadyUsed:
		return "Pairing code has already been used"
	case StatusExpired:
		return "Pairing code has expired"
	default:
		return "Invalid pairing code"
	}
}

// VerifyResult reports whether a code could be redeemed now.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// RedeemRequest is what a gateway submits to complete pairing.
type RedeemRequest struct {
	Code      string
	GatewayID string
	HomeID    string
	Name      string
	Version   string
}

var (
	// ErrPairingInvalid is wrapped by every InvalidError.
	ErrPairingInvalid = errors.New("pairing code invalid")

	ErrInvalidExpiry      = errors.New("pairing code expiry out of range")
	ErrCodeSpaceExhausted = errors.New("no free pairing code found")
)

// InvalidError says why a code could not be redeemed.
type InvalidError struct {
	Reason Status
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPairingInvalid, e.Reason)
}

func (e *InvalidError) Unwrap() error {
	return ErrPairingInvalid
}

// Reason extracts the status from an InvalidError in err's chain.
func Reason(err error) (Status, bool) {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie.Reason, true
	}
	return "", false
}
