package gateway

import (
	"errors"
	"time"
)

// Status is the persisted lifecycle state of a gateway identity.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusRevoked      Status = "revoked"
)

// Identity is a gateway's persisted record.
type Identity struct {
	ID         string     `json:"gateway_id"`
	HomeID     string     `json:"home_id"`
	OwnerID    string     `json:"owner_id"`
	SecretHash string     `json:"-"`
	Status     Status     `json:"status"`
	Name       string     `json:"name,omitempty"`
	Version    string     `json:"version,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Revoked reports whether the identity has been disabled.
func (g *Identity) Revoked() bool {
	return g.Status == StatusRevoked
}

// Enrollment is returned once, when an identity is created. Secret is the
// only copy of the plaintext credential.
type Enrollment struct {
	GatewayID string `json:"gateway_id"`
	HomeID    string `json:"home_id"`
	Secret    string `json:"secret"`
}

// Sentinel errors for gateway identity operations.
var (
	ErrGatewayNotFound   = errors.New("gateway not found")
	ErrGatewayExists     = errors.New("gateway already exists")
	ErrHomeAlreadyPaired = errors.New("home already has a gateway")
	ErrGatewayRevoked    = errors.New("gateway revoked")
	ErrInvalidGatewayID  = errors.New("gateway id must be a UUID")
	ErrInvalidHomeID     = errors.New("home id must be a UUID")
)
