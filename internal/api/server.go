// Package api is the operator-facing HTTP surface. Handlers translate JSON
// requests into service calls and collapse security rejections into a
// uniform unauthorized response on the way out.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/covenant-wallet/covenant/internal/config"
	"github.com/covenant-wallet/covenant/internal/logger"
	"github.com/covenant-wallet/covenant/internal/metrics"
	"github.com/covenant-wallet/covenant/internal/middleware"
	"github.com/covenant-wallet/covenant/internal/storage"
)

// Server represents the HTTP server
type Server struct {
	config                *config.Config
	service               WalletService
	appAuthMiddleware     *middleware.AppAuthMiddleware
	idempotencyMiddleware *middleware.IdempotencyMiddleware
	rateLimiter           *middleware.RateLimiter
	httpServer            *http.Server
	store                 *storage.Store
}

// NewServer creates a new API server
func NewServer(
	cfg *config.Config,
	service WalletService,
	appAuthMiddleware *middleware.AppAuthMiddleware,
	idempotencyMiddleware *middleware.IdempotencyMiddleware,
	rateLimiter *middleware.RateLimiter,
	store *storage.Store,
) *Server {
	return &Server{
		config:                cfg,
		service:               service,
		appAuthMiddleware:     appAuthMiddleware,
		idempotencyMiddleware: idempotencyMiddleware,
		rateLimiter:           rateLimiter,
		store:                 store,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Unauthenticated endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	// Wallet routes. Chain per route: App Auth -> Idempotency -> Handler.
	mux.Handle("/v1/wallets",
		s.appAuthMiddleware.Authenticate(
			s.idempotencyMiddleware.Handle(http.HandlerFunc(s.handleWallets))))

	mux.Handle("/v1/wallets/",
		s.appAuthMiddleware.Authenticate(
			s.idempotencyMiddleware.Handle(http.HandlerFunc(s.handleWalletOperationsRouter))))

	s.httpServer = &http.Server{
		Addr: fmt.Sprintf(":%d", s.config.Port),
		// Outer chain: RequestID -> AuditContext -> Logging -> LimitBody -> RateLimit -> Routes
		Handler: middleware.RequestID(
			middleware.AuditContext(
				s.loggingMiddleware(
					middleware.LimitBody(
						s.rateLimiter.Limit(mux))))),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Component("api").Info("starting server", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests and records latency metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := middleware.NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, duration)
		logger.Info(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"duration_ms", duration.Milliseconds(),
		)
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
