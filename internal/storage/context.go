package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ContextKey is a type for context keys used in storage layer
type ContextKey string

const (
	// AppIDContextKey is the key for app ID in context
	AppIDContextKey ContextKey = "storage_app_id"
)

// ErrMissingAppID is returned when app_id is required but not found in context
var ErrMissingAppID = fmt.Errorf("app_id not found in context - this operation requires app-scoped access")

// WithAppID creates a new context with the given app ID. Set by the app
// authentication middleware so every repository query below it is scoped to
// the calling operator application.
func WithAppID(ctx context.Context, appID uuid.UUID) context.Context {
	return context.WithValue(ctx, AppIDContextKey, appID)
}

// GetAppID retrieves the app ID from context.
func GetAppID(ctx context.Context) (uuid.UUID, bool) {
	if appID, ok := ctx.Value(AppIDContextKey).(uuid.UUID); ok {
		return appID, true
	}
	return uuid.Nil, false
}

// RequireAppID retrieves the app ID from context or returns an error. This is
// the way repository methods obtain their scope.
func RequireAppID(ctx context.Context) (uuid.UUID, error) {
	appID, ok := GetAppID(ctx)
	if !ok {
		return uuid.Nil, ErrMissingAppID
	}
	return appID, nil
}
