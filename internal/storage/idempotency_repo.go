package storage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRecord is one cached response keyed by (app, key, method, url).
type IdempotencyRecord struct {
	AppID      string
	Method     string
	URL        string
	Key        string
	BodyHash   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	ExpiresAt  time.Time
}

// IdempotencyRepository stores first responses to mutating requests so
// retries with the same key replay the original response.
type IdempotencyRepository struct {
	store *Store
}

// NewIdempotencyRepository creates a new repository
func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{store: store}
}

// Get returns the unexpired record for the scoped key, or pgx.ErrNoRows.
func (r *IdempotencyRepository) Get(ctx context.Context, appID, key, method, url string) (*IdempotencyRecord, error) {
	query := `
		SELECT app_id, method, url, idempotency_key, body_hash, status_code, headers, body, expires_at
		FROM idempotency_keys
		WHERE app_id = $1 AND idempotency_key = $2 AND method = $3 AND url = $4
		  AND expires_at > now()
	`

	var record IdempotencyRecord
	err := r.store.pool.QueryRow(ctx, query, appID, key, method, url).Scan(
		&record.AppID,
		&record.Method,
		&record.URL,
		&record.Key,
		&record.BodyHash,
		&record.StatusCode,
		&record.Headers,
		&record.Body,
		&record.ExpiresAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	return &record, nil
}

// Store saves a response for replay. A concurrent first-writer wins; the
// conflict no-op keeps the original response authoritative.
func (r *IdempotencyRepository) Store(ctx context.Context, record *IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys (app_id, idempotency_key, method, url, body_hash, status_code, headers, body, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_id, idempotency_key, method, url) DO NOTHING
	`

	_, err := r.store.pool.Exec(ctx, query,
		record.AppID,
		record.Key,
		record.Method,
		record.URL,
		record.BodyHash,
		record.StatusCode,
		record.Headers,
		record.Body,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}

	return nil
}
