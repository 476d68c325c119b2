package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/covenant-wallet/covenant/pkg/types"
)

// Config holds infrastructure-level configuration
type Config struct {
	// Database
	PostgresDSN string

	// Credential issuer
	IssuerEnv         string // prod, dev or custom
	IssuerJWKSURL     string // required when IssuerEnv is custom
	JWKSCacheTTLSecs  int

	// Signing network
	SignnetNetwork      string   // named network, or "custom" with explicit nodes
	SignnetNodes        []string // node endpoints (http(s):// or vsock://cid:port)
	SignnetThreshold    int
	SignnetTimeoutSecs  int

	// Verify-and-sign execution mode. Local mode is a degraded trust model and
	// must be configured deliberately; it is never the default.
	ExecutionMode string

	// Operator signing credential (sealed at rest)
	OperatorKeyProvider   string // local, aws-kms or vault
	OperatorKeyCiphertext string // base64
	LocalMasterKey        string // local provider
	KMSKeyID              string // aws-kms provider
	KMSRegion             string
	VaultAddr             string // vault provider
	VaultToken            string
	VaultKeyName          string

	// Chain RPC (optional; transaction signing falls back to fully specified
	// parameters when unset)
	EthRPCURL string
	ChainID   int64

	// Server
	Port            int
	RateLimitRPS    int
	RateLimitBurst  int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		PostgresDSN:           getEnv("POSTGRES_DSN", ""),
		IssuerEnv:             getEnv("ISSUER_ENV", "prod"),
		IssuerJWKSURL:         getEnv("ISSUER_JWKS_URL", ""),
		JWKSCacheTTLSecs:      getEnvInt("JWKS_CACHE_TTL_SECONDS", 3600),
		SignnetNetwork:        getEnv("SIGNNET_NETWORK", "devnet"),
		SignnetNodes:          getEnvList("SIGNNET_NODES"),
		SignnetThreshold:      getEnvInt("SIGNNET_THRESHOLD", 2),
		SignnetTimeoutSecs:    getEnvInt("SIGNNET_TIMEOUT_SECONDS", 30),
		ExecutionMode:         getEnv("EXECUTION_MODE", types.ExecutionModeRemote),
		OperatorKeyProvider:   getEnv("OPERATOR_KEY_PROVIDER", "local"),
		OperatorKeyCiphertext: getEnv("OPERATOR_KEY_CIPHERTEXT", ""),
		LocalMasterKey:        getEnv("LOCAL_MASTER_KEY", ""),
		KMSKeyID:              getEnv("KMS_KEY_ID", ""),
		KMSRegion:             getEnv("KMS_REGION", "us-east-1"),
		VaultAddr:             getEnv("VAULT_ADDR", ""),
		VaultToken:            getEnv("VAULT_TOKEN", ""),
		VaultKeyName:          getEnv("VAULT_KEY_NAME", ""),
		EthRPCURL:             getEnv("ETH_RPC_URL", ""),
		ChainID:               int64(getEnvInt("CHAIN_ID", 0)),
		Port:                  getEnvInt("PORT", 8080),
		RateLimitRPS:          getEnvInt("RATE_LIMIT_RPS", 10),
		RateLimitBurst:        getEnvInt("RATE_LIMIT_BURST", 20),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}

	switch c.IssuerEnv {
	case "prod", "dev":
	case "custom":
		if c.IssuerJWKSURL == "" {
			return fmt.Errorf("ISSUER_JWKS_URL is required when ISSUER_ENV is 'custom'")
		}
	default:
		return fmt.Errorf("ISSUER_ENV must be 'prod', 'dev' or 'custom', got: %s", c.IssuerEnv)
	}

	if c.ExecutionMode != types.ExecutionModeRemote && c.ExecutionMode != types.ExecutionModeLocal {
		return fmt.Errorf("EXECUTION_MODE must be 'remote' or 'local', got: %s", c.ExecutionMode)
	}

	if c.SignnetNetwork == "custom" && len(c.SignnetNodes) == 0 {
		return fmt.Errorf("SIGNNET_NODES is required when SIGNNET_NETWORK is 'custom'")
	}

	if c.SignnetThreshold < 1 {
		return fmt.Errorf("SIGNNET_THRESHOLD must be at least 1, got: %d", c.SignnetThreshold)
	}
	if len(c.SignnetNodes) > 0 && c.SignnetThreshold > len(c.SignnetNodes) {
		return fmt.Errorf("SIGNNET_THRESHOLD (%d) exceeds configured node count (%d)", c.SignnetThreshold, len(c.SignnetNodes))
	}

	if c.OperatorKeyCiphertext == "" {
		return fmt.Errorf("OPERATOR_KEY_CIPHERTEXT is required")
	}

	switch c.OperatorKeyProvider {
	case "local":
		if c.LocalMasterKey == "" {
			return fmt.Errorf("LOCAL_MASTER_KEY is required when OPERATOR_KEY_PROVIDER is 'local'")
		}
	case "aws-kms":
		if c.KMSKeyID == "" {
			return fmt.Errorf("KMS_KEY_ID is required when OPERATOR_KEY_PROVIDER is 'aws-kms'")
		}
	case "vault":
		if c.VaultAddr == "" || c.VaultToken == "" || c.VaultKeyName == "" {
			return fmt.Errorf("VAULT_ADDR, VAULT_TOKEN and VAULT_KEY_NAME are required when OPERATOR_KEY_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("OPERATOR_KEY_PROVIDER must be 'local', 'aws-kms' or 'vault', got: %s", c.OperatorKeyProvider)
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList gets a comma-separated environment variable as a slice
func getEnvList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
