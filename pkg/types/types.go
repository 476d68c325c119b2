package types

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionMode constants for the verify-and-sign path
const (
	// ExecutionModeRemote runs credential verification on the signing nodes
	// themselves; the operator only sees the opaque result.
	ExecutionModeRemote = "remote"
	// ExecutionModeLocal verifies on the operator's own infrastructure before
	// requesting a plain threshold sign. Strictly weaker trust; never a default.
	ExecutionModeLocal = "local"
)

// KeyShareSet status constants
const (
	KeyShareSetStatusActive = "active"
	// KeyShareSetStatusGrantFailed marks a set that was minted but whose
	// operator permission grant failed. It exists on the network, cannot sign,
	// and needs manual remediation. Never re-minted.
	KeyShareSetStatusGrantFailed = "grant_failed"
)

// App status constants
const (
	AppStatusActive   = "active"
	AppStatusInactive = "inactive"
)

// KeyShareSet is a threshold key-share set ("PKP") minted on the signing
// network. PublicKey and AuthorizationID are written once at provisioning and
// never change; additional permitted ids are appended as AuthorizedSubject
// rows, never substituted.
type KeyShareSet struct {
	ID              uuid.UUID `json:"id"`
	TokenID         string    `json:"token_id"`
	PublicKey       string    `json:"public_key"`
	DerivedAddress  string    `json:"derived_address"`
	AuthorizationID string    `json:"authorization_id"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// AuthorizedSubject is one permitted authorization id for a key-share set.
// The row created at provisioning carries Origin=true; re-provisioning only
// ever inserts additional rows.
type AuthorizedSubject struct {
	ID              uuid.UUID `json:"id"`
	KeyShareSetID   uuid.UUID `json:"key_share_set_id"`
	AuthorizationID string    `json:"authorization_id"`
	Origin          bool      `json:"origin"`
	AddedBy         string    `json:"added_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// App is an operator application allowed to call the API
type App struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// AppSecret is a bcrypt-hashed API secret for an App. Lookup is by prefix so
// the full secret never appears in a query.
type AppSecret struct {
	ID           uuid.UUID  `json:"id"`
	AppID        uuid.UUID  `json:"app_id"`
	SecretHash   string     `json:"-"`
	SecretPrefix string     `json:"secret_prefix"`
	Status       string     `json:"status"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RotatedAt    *time.Time `json:"rotated_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}
