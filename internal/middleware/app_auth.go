package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/covenant-wallet/covenant/internal/storage"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/types"
)

// Context keys
type contextKey string

const AppIDKey contextKey = "app_id"
const AppKey contextKey = "app"

// secretPrefixLen is the lookup prefix of an app secret: "cov_sk_" plus the
// first 8 random characters. The full secret never appears in a query.
const secretPrefixLen = 15

// AppAuthMiddleware handles operator-app authentication
type AppAuthMiddleware struct {
	appRepo    appRepo
	secretRepo appSecretRepo
}

type appRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*types.App, error)
}

type appSecretRepo interface {
	GetBySecretPrefix(ctx context.Context, prefix string) ([]*types.AppSecret, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

// NewAppAuthMiddleware creates a new app-level authentication middleware
func NewAppAuthMiddleware(store *storage.Store) *AppAuthMiddleware {
	return &AppAuthMiddleware{
		appRepo:    storage.NewAppRepository(store),
		secretRepo: storage.NewAppSecretRepository(store),
	}
}

// Authenticate validates app credentials from the database.
// Requires:
//   - X-App-Id: <app_id>
//   - X-App-Secret: <app_secret>
func (m *AppAuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appIDHeader := r.Header.Get("X-App-Id")
		if appIDHeader == "" {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Missing X-App-Id header",
				"",
				http.StatusUnauthorized,
			))
			return
		}

		appUUID, err := uuid.Parse(appIDHeader)
		if err != nil {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Invalid app ID format",
				"App ID must be a valid UUID",
				http.StatusUnauthorized,
			))
			return
		}

		// App auth is header-based so it cannot collide with the bearer
		// credentials sign requests carry. Basic auth is not accepted.
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Basic ") {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Authorization: Basic is not supported",
				"Use X-App-Secret",
				http.StatusUnauthorized,
			))
			return
		}

		appSecret := r.Header.Get("X-App-Secret")
		if appSecret == "" {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Missing app credentials",
				"Provide X-App-Secret",
				http.StatusUnauthorized,
			))
			return
		}

		app, err := m.appRepo.GetByID(r.Context(), appUUID)
		if err != nil || app == nil {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Invalid app credentials",
				"",
				http.StatusUnauthorized,
			))
			return
		}

		if app.Status != types.AppStatusActive {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeForbidden,
				"App is not active",
				"",
				http.StatusForbidden,
			))
			return
		}

		if !m.validateSecret(r.Context(), appUUID, appSecret) {
			m.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Invalid app credentials",
				"",
				http.StatusUnauthorized,
			))
			return
		}

		// Reduce risk of accidental leakage in downstream logs/telemetry.
		r.Header.Del("X-App-Secret")

		ctx := context.WithValue(r.Context(), AppIDKey, appIDHeader)
		ctx = context.WithValue(ctx, AppKey, app)
		ctx = storage.WithAppID(ctx, appUUID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateSecret validates the app secret against stored bcrypt hashes.
func (m *AppAuthMiddleware) validateSecret(ctx context.Context, appID uuid.UUID, secret string) bool {
	if len(secret) < secretPrefixLen {
		return false
	}
	prefix := secret[:secretPrefixLen]

	secrets, err := m.secretRepo.GetBySecretPrefix(ctx, prefix)
	if err != nil {
		return false
	}

	for _, appSecret := range secrets {
		if appSecret.AppID != appID {
			continue
		}

		if err := bcrypt.CompareHashAndPassword([]byte(appSecret.SecretHash), []byte(secret)); err == nil {
			// Update last used timestamp (fire and forget)
			go m.secretRepo.UpdateLastUsed(context.Background(), appSecret.ID)
			return true
		}
	}

	return false
}

// GetAppID retrieves the app ID from context
func GetAppID(ctx context.Context) string {
	if appID, ok := ctx.Value(AppIDKey).(string); ok {
		return appID
	}
	return ""
}

// GetApp retrieves the app from context
func GetApp(ctx context.Context) *types.App {
	if app, ok := ctx.Value(AppKey).(*types.App); ok {
		return app
	}
	return nil
}

// writeError writes an error response
func (m *AppAuthMiddleware) writeError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(err)
}
