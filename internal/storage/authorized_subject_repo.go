package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/covenant-wallet/covenant/pkg/types"
)

// AuthorizedSubjectRepository persists the permitted authorization ids of a
// key-share set. The table is append-only: rows are inserted, never updated
// or deleted, so the origin binding from provisioning can never be replaced.
type AuthorizedSubjectRepository struct {
	store *Store
}

// NewAuthorizedSubjectRepository creates a new AuthorizedSubjectRepository
func NewAuthorizedSubjectRepository(store *Store) *AuthorizedSubjectRepository {
	return &AuthorizedSubjectRepository{store: store}
}

// Insert appends a permitted authorization id.
func (r *AuthorizedSubjectRepository) Insert(ctx context.Context, subject *types.AuthorizedSubject) error {
	return r.InsertTx(ctx, r.store.pool, subject)
}

// InsertTx appends a permitted authorization id using the provided
// transaction or connection.
func (r *AuthorizedSubjectRepository) InsertTx(ctx context.Context, db DBTX, subject *types.AuthorizedSubject) error {
	query := `
		INSERT INTO authorized_subjects (id, key_share_set_id, authorization_id, origin, added_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := db.QueryRow(ctx, query,
		subject.ID,
		subject.KeyShareSetID,
		subject.AuthorizationID,
		subject.Origin,
		subject.AddedBy,
	).Scan(&subject.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert authorized subject: %w", err)
	}

	return nil
}

// ListByKeyShareSet returns all permitted ids for a set, origin row first,
// then insertion order.
func (r *AuthorizedSubjectRepository) ListByKeyShareSet(ctx context.Context, keyShareSetID uuid.UUID) ([]*types.AuthorizedSubject, error) {
	query := `
		SELECT id, key_share_set_id, authorization_id, origin, added_by, created_at
		FROM authorized_subjects
		WHERE key_share_set_id = $1
		ORDER BY origin DESC, created_at ASC
	`

	rows, err := r.store.pool.Query(ctx, query, keyShareSetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorized subjects: %w", err)
	}
	defer rows.Close()

	var subjects []*types.AuthorizedSubject
	for rows.Next() {
		var s types.AuthorizedSubject
		if err := rows.Scan(
			&s.ID,
			&s.KeyShareSetID,
			&s.AuthorizationID,
			&s.Origin,
			&s.AddedBy,
			&s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan authorized subject: %w", err)
		}
		subjects = append(subjects, &s)
	}

	return subjects, nil
}

// ExistsTx reports whether an authorization id is already permitted for a set.
func (r *AuthorizedSubjectRepository) ExistsTx(ctx context.Context, tx pgx.Tx, keyShareSetID uuid.UUID, authorizationID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM authorized_subjects
			WHERE key_share_set_id = $1 AND authorization_id = $2
		)`,
		keyShareSetID, authorizationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check authorized subject: %w", err)
	}
	return exists, nil
}
