package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/covenant-wallet/covenant/pkg/types"
)

// KeyShareSetRepository persists minted key-share sets. All reads and writes
// are scoped to the app in context; token_id is unique per app.
type KeyShareSetRepository struct {
	store *Store
}

// NewKeyShareSetRepository creates a new KeyShareSetRepository
func NewKeyShareSetRepository(store *Store) *KeyShareSetRepository {
	return &KeyShareSetRepository{store: store}
}

// Create persists a newly minted key-share set.
func (r *KeyShareSetRepository) Create(ctx context.Context, set *types.KeyShareSet) error {
	return r.CreateTx(ctx, r.store.pool, set)
}

// CreateTx persists a key-share set using the provided transaction or
// connection. PublicKey and AuthorizationID are written here once and never
// updated afterwards.
func (r *KeyShareSetRepository) CreateTx(ctx context.Context, db DBTX, set *types.KeyShareSet) error {
	appID, err := RequireAppID(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO key_share_sets (id, app_id, token_id, public_key, derived_address, authorization_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err = db.QueryRow(ctx, query,
		set.ID,
		appID,
		set.TokenID,
		set.PublicKey,
		set.DerivedAddress,
		set.AuthorizationID,
		set.Status,
	).Scan(&set.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create key share set: %w", err)
	}

	return nil
}

// GetByTokenID retrieves a key-share set by its network token id. Returns
// (nil, nil) when no row matches within the app scope.
func (r *KeyShareSetRepository) GetByTokenID(ctx context.Context, tokenID string) (*types.KeyShareSet, error) {
	appID, err := RequireAppID(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, token_id, public_key, derived_address, authorization_id, status, created_at
		FROM key_share_sets
		WHERE app_id = $1 AND token_id = $2
	`

	return r.scanOne(r.store.pool.QueryRow(ctx, query, appID, tokenID))
}

// GetByTokenIDForUpdateTx retrieves a key-share set and locks its row for the
// duration of the transaction. Used to serialize authorized-subject additions
// per set.
func (r *KeyShareSetRepository) GetByTokenIDForUpdateTx(ctx context.Context, tx pgx.Tx, tokenID string) (*types.KeyShareSet, error) {
	appID, err := RequireAppID(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, token_id, public_key, derived_address, authorization_id, status, created_at
		FROM key_share_sets
		WHERE app_id = $1 AND token_id = $2
		FOR UPDATE
	`

	return r.scanOne(tx.QueryRow(ctx, query, appID, tokenID))
}

// GetByAuthorizationID retrieves key-share sets whose origin authorization id
// matches, newest first.
func (r *KeyShareSetRepository) GetByAuthorizationID(ctx context.Context, authorizationID string) ([]*types.KeyShareSet, error) {
	appID, err := RequireAppID(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, token_id, public_key, derived_address, authorization_id, status, created_at
		FROM key_share_sets
		WHERE app_id = $1 AND authorization_id = $2
		ORDER BY created_at DESC
	`

	rows, err := r.store.pool.Query(ctx, query, appID, authorizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get key share sets by authorization id: %w", err)
	}
	defer rows.Close()

	var sets []*types.KeyShareSet
	for rows.Next() {
		var set types.KeyShareSet
		if err := rows.Scan(
			&set.ID,
			&set.TokenID,
			&set.PublicKey,
			&set.DerivedAddress,
			&set.AuthorizationID,
			&set.Status,
			&set.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan key share set: %w", err)
		}
		sets = append(sets, &set)
	}

	return sets, nil
}

// UpdateStatusTx transitions a set's status. The only legal transition is
// active semantics around grant failure; callers own that rule, this only
// writes it.
func (r *KeyShareSetRepository) UpdateStatusTx(ctx context.Context, db DBTX, id uuid.UUID, status string) error {
	appID, err := RequireAppID(ctx)
	if err != nil {
		return err
	}

	tag, err := db.Exec(ctx,
		`UPDATE key_share_sets SET status = $3 WHERE app_id = $1 AND id = $2`,
		appID, id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update key share set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("key share set not found")
	}
	return nil
}

func (r *KeyShareSetRepository) scanOne(row pgx.Row) (*types.KeyShareSet, error) {
	var set types.KeyShareSet
	err := row.Scan(
		&set.ID,
		&set.TokenID,
		&set.PublicKey,
		&set.DerivedAddress,
		&set.AuthorizationID,
		&set.Status,
		&set.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key share set: %w", err)
	}
	return &set, nil
}
