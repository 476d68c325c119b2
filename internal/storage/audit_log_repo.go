package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepo records provisioning, authorization and signing events. Audit
// entries carry the authorization id and token id, never credential contents
// or signature material.
type AuditLogRepo struct {
	db *pgxpool.Pool
}

// NewAuditLogRepo creates a new audit log repository
func NewAuditLogRepo(db *pgxpool.Pool) *AuditLogRepo {
	return &AuditLogRepo{db: db}
}

// AuditLogEntry represents an audit log entry
type AuditLogEntry struct {
	Action          string                 `json:"action"`
	ResourceType    string                 `json:"resource_type"`
	ResourceID      string                 `json:"resource_id"`
	AuthorizationID string                 `json:"authorization_id,omitempty"`
	ExecutionMode   string                 `json:"execution_mode,omitempty"`
	TxHash          *string                `json:"tx_hash,omitempty"`
	ErrorMessage    *string                `json:"error_message,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ClientIP        string                 `json:"client_ip,omitempty"`
	UserAgent       string                 `json:"user_agent,omitempty"`
}

// Log creates a new audit log entry scoped to the app in context.
func (r *AuditLogRepo) Log(ctx context.Context, entry *AuditLogEntry) error {
	appID, err := RequireAppID(ctx)
	if err != nil {
		return err
	}

	var metadataJSON []byte
	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_logs (
			app_id, action, resource_type, resource_id, authorization_id,
			execution_mode, tx_hash, error_message, metadata, client_ip, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		appID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.AuthorizationID,
		entry.ExecutionMode,
		entry.TxHash,
		entry.ErrorMessage,
		metadataJSON,
		entry.ClientIP,
		entry.UserAgent,
		time.Now(),
	)
	return err
}

// Audit action constants
const (
	AuditActionProvisioningRequested = "provisioning_requested"
	AuditActionProvisioningCompleted = "provisioning_completed"
	AuditActionProvisioningPartial   = "provisioning_partial"
	AuditActionSubjectAuthorized     = "subject_authorized"
	AuditActionSigningRequested      = "signing_requested"
	AuditActionSigningCompleted      = "signing_completed"
	AuditActionSigningFailed         = "signing_failed"
	AuditActionTransactionSent       = "transaction_sent"
	AuditActionTransactionFailed     = "transaction_failed"
	AuditActionRateLimitExceeded     = "rate_limit_exceeded"
	AuditActionAuthenticationFailed  = "authentication_failed"
)

// Resource type constants
const (
	ResourceTypeKeyShareSet = "key_share_set"
	ResourceTypeTransaction = "transaction"
	ResourceTypeMessage     = "message"
)
