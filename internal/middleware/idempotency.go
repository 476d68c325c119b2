package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/covenant-wallet/covenant/internal/logger"
	"github.com/covenant-wallet/covenant/internal/storage"
	"github.com/covenant-wallet/covenant/pkg/errors"
)

// IdempotencyMiddleware caches the first response to a mutating request for
// 24 hours and replays it on retries with the same key. Provisioning and
// signing are the main users: a retried provision must not mint a second
// key-share set.
type IdempotencyMiddleware struct {
	repo idempotencyRepo
}

type idempotencyRepo interface {
	Get(ctx context.Context, appID, key, method, url string) (*storage.IdempotencyRecord, error)
	Store(ctx context.Context, record *storage.IdempotencyRecord) error
}

// NewIdempotencyMiddleware creates a new idempotency middleware
func NewIdempotencyMiddleware(repo idempotencyRepo) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		repo: repo,
	}
}

// Handle wraps an HTTP handler with idempotency checking
func (m *IdempotencyMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only mutation requests are idempotency-checked
		if r.Method != http.MethodPost && r.Method != http.MethodPatch && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		idempotencyKey := r.Header.Get("x-idempotency-key")
		if idempotencyKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		if len(idempotencyKey) > 256 {
			writeError(w, errors.NewWithDetail(
				errors.ErrCodeBadRequest,
				"Idempotency key too long",
				"Maximum length is 256 characters",
				http.StatusBadRequest,
			))
			return
		}

		appID := r.Header.Get("x-app-id")
		if appID == "" {
			writeError(w, errors.NewWithDetail(
				errors.ErrCodeBadRequest,
				"Missing app ID",
				"x-app-id header is required",
				http.StatusBadRequest,
			))
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, errors.NewWithDetail(
				errors.ErrCodeBadRequest,
				"Failed to read request body",
				err.Error(),
				http.StatusBadRequest,
			))
			return
		}

		// Restore body for next handler
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		bodyHash := computeBodyHash(bodyBytes)

		record, err := m.repo.Get(r.Context(), appID, idempotencyKey, r.Method, r.URL.Path)
		if err == nil {
			if record.BodyHash == bodyHash {
				m.returnCachedResponse(w, record)
				return
			}

			// Same key, different body
			writeError(w, errors.NewWithDetail(
				errors.ErrCodeIdempotencyKeyReused,
				"Idempotency key reused with different body",
				"The same idempotency key was used with a different request body. Use a new key for different requests.",
				http.StatusBadRequest,
			))
			return
		}

		recorder := NewResponseRecorder(w)

		next.ServeHTTP(recorder, r)

		expiresAt := time.Now().Add(24 * time.Hour)
		err = m.repo.Store(r.Context(), &storage.IdempotencyRecord{
			AppID:      appID,
			Method:     r.Method,
			URL:        r.URL.Path,
			Key:        idempotencyKey,
			BodyHash:   bodyHash,
			StatusCode: recorder.StatusCode,
			Headers:    recorder.Headers,
			Body:       recorder.Body.Bytes(),
			ExpiresAt:  expiresAt,
		})

		if err != nil {
			// Response already sent; log and move on
			logger.Error(r.Context(), "failed to store idempotency record",
				"app_id", appID,
				"key", idempotencyKey,
				"method", r.Method,
				"url", r.URL.Path,
				"error", err,
			)
		}
	})
}

// returnCachedResponse writes a cached response to the client
func (m *IdempotencyMiddleware) returnCachedResponse(
	w http.ResponseWriter,
	record *storage.IdempotencyRecord,
) {
	// Preserve the current request ID (set by the RequestID middleware) so we
	// don't replay a stale value from the cached response.
	currentRequestID := w.Header().Get("X-Request-ID")

	for key, values := range record.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.Header().Del("X-Request-ID")
	if currentRequestID != "" {
		w.Header().Set("X-Request-ID", currentRequestID)
	}

	w.Header().Set("X-Idempotency-Replay", "true")

	w.WriteHeader(record.StatusCode)

	w.Write(record.Body)
}

// computeBodyHash creates a SHA-256 hash of the request body
func computeBodyHash(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// writeError writes an error response
func writeError(w http.ResponseWriter, err *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)

	errorJSON := []byte(`{"error":{"code":"` + err.Code + `","message":"` + err.Message + `"}}`)
	w.Write(errorJSON)
}
