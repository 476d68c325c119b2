package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/covenant-wallet/covenant/pkg/types"
)

// AppRepository handles operator-app data access for authentication middleware
type AppRepository struct {
	store *Store
}

// NewAppRepository creates a new app repository
func NewAppRepository(store *Store) *AppRepository {
	return &AppRepository{store: store}
}

// GetByID retrieves an app by ID (used for auth validation)
func (r *AppRepository) GetByID(ctx context.Context, id uuid.UUID) (*types.App, error) {
	query := `
		SELECT id, name, status, created_at
		FROM apps
		WHERE id = $1
	`

	var app types.App
	err := r.store.pool.QueryRow(ctx, query, id).Scan(
		&app.ID,
		&app.Name,
		&app.Status,
		&app.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app: %w", err)
	}

	return &app, nil
}
