package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/covenant-wallet/covenant/internal/api"
	"github.com/covenant-wallet/covenant/internal/app"
	"github.com/covenant-wallet/covenant/internal/config"
	"github.com/covenant-wallet/covenant/internal/credential"
	internalcrypto "github.com/covenant-wallet/covenant/internal/crypto"
	"github.com/covenant-wallet/covenant/internal/eth"
	"github.com/covenant-wallet/covenant/internal/logger"
	"github.com/covenant-wallet/covenant/internal/metrics"
	"github.com/covenant-wallet/covenant/internal/middleware"
	"github.com/covenant-wallet/covenant/internal/operatorkey"
	"github.com/covenant-wallet/covenant/internal/signexec"
	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	metrics.Init()

	store, err := storage.New(cfg.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("connected to database")

	// Unseal the operator signing credential
	keyProvider, err := operatorkey.New(&operatorkey.Config{
		Provider:          cfg.OperatorKeyProvider,
		LocalMasterKeyHex: cfg.LocalMasterKey,
		AWSKMSKeyID:       cfg.KMSKeyID,
		AWSKMSRegion:      cfg.KMSRegion,
		VaultAddress:      cfg.VaultAddr,
		VaultToken:        cfg.VaultToken,
		VaultTransitKey:   cfg.VaultKeyName,
	})
	if err != nil {
		slog.Error("failed to initialize operator key provider", "error", err)
		os.Exit(1)
	}

	unsealCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	operatorKey, err := operatorkey.Unseal(unsealCtx, keyProvider, cfg.OperatorKeyCiphertext)
	cancel()
	if err != nil {
		slog.Error("failed to unseal operator key", "error", err)
		os.Exit(1)
	}
	operatorAddress := internalcrypto.GetEthereumAddress(operatorKey)
	slog.Info("unsealed operator key", "provider", keyProvider.Provider(), "address", operatorAddress.Hex())

	// Signing-network client
	netClient, err := signnet.NewClient(signnet.Config{
		Network:   cfg.SignnetNetwork,
		Nodes:     cfg.SignnetNodes,
		Threshold: cfg.SignnetThreshold,
		Timeout:   time.Duration(cfg.SignnetTimeoutSecs) * time.Second,
	}, operatorKey)
	if err != nil {
		slog.Error("failed to create signing-network client", "error", err)
		os.Exit(1)
	}

	// Credential verifier (used directly only in local execution mode; remote
	// mode ships verification to the nodes)
	jwksURL, err := credential.JWKSURLForEnv(cfg.IssuerEnv, cfg.IssuerJWKSURL)
	if err != nil {
		slog.Error("failed to resolve issuer JWKS endpoint", "error", err)
		os.Exit(1)
	}
	fetcher := credential.NewFetcher(jwksURL, time.Duration(cfg.JWKSCacheTTLSecs)*time.Second)
	verifier := credential.NewVerifier(fetcher)

	executor, err := signexec.New(signexec.Config{
		Mode:          cfg.ExecutionMode,
		IssuerEnv:     cfg.IssuerEnv,
		IssuerJWKSURL: cfg.IssuerJWKSURL,
	}, verifier, netClient)
	if err != nil {
		slog.Error("failed to initialize executor", "error", err)
		os.Exit(1)
	}
	slog.Info("initialized verify-and-sign executor", "mode", executor.Mode())

	// Chain RPC client is optional
	var chain *eth.Client
	if cfg.EthRPCURL != "" {
		chain, err = eth.NewClient(cfg.EthRPCURL, cfg.ChainID)
		if err != nil {
			slog.Error("failed to connect to chain RPC", "error", err)
			os.Exit(1)
		}
		defer chain.Close()
		slog.Info("connected to chain RPC", "chain_id", chain.ChainID())
	}

	var service *app.Service
	if chain != nil {
		service = app.NewService(store, netClient, executor, chain, operatorAddress)
	} else {
		service = app.NewService(store, netClient, executor, nil, operatorAddress)
	}

	appAuthMiddleware := middleware.NewAppAuthMiddleware(store)
	idempotencyRepo := storage.NewIdempotencyRepository(store)
	idempotencyMiddleware := middleware.NewIdempotencyMiddleware(idempotencyRepo)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitRPS > 0)

	server := api.NewServer(cfg, service, appAuthMiddleware, idempotencyMiddleware, rateLimiter, store)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
	}
}
