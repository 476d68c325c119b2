// Package operatorkey unseals the operator's signing credential at startup.
// The secp256k1 key that signs network request envelopes is stored only as
// ciphertext; a Provider holds the unseal capability (local master key, AWS
// KMS, or Vault Transit) and the plaintext key lives solely in process
// memory after Unseal.
package operatorkey

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	vault "github.com/hashicorp/vault/api"
)

// Provider decrypts the sealed operator key.
type Provider interface {
	// Decrypt decrypts sealed data.
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)

	// Encrypt seals data. Used by provisioning tooling, not the service path.
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)

	// Provider returns the provider name ("local", "aws-kms", "vault").
	Provider() string
}

// ProviderType identifies supported sealing backends.
type ProviderType string

const (
	// ProviderLocal seals with a local master key (AES-256-GCM). Suitable for
	// development and simple self-hosted deployments.
	ProviderLocal ProviderType = "local"

	// ProviderAWSKMS seals with an AWS KMS key.
	ProviderAWSKMS ProviderType = "aws-kms"

	// ProviderVault seals with a HashiCorp Vault Transit key.
	ProviderVault ProviderType = "vault"
)

// Config selects and parameterizes the provider.
type Config struct {
	Provider string

	// Local provider
	LocalMasterKeyHex string

	// AWS KMS provider
	AWSKMSKeyID  string
	AWSKMSRegion string

	// Vault provider
	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// New creates a Provider from configuration.
func New(cfg *Config) (Provider, error) {
	switch ProviderType(cfg.Provider) {
	case ProviderLocal, "":
		return NewLocalProvider(cfg.LocalMasterKeyHex)
	case ProviderAWSKMS:
		return NewAWSKMSProvider(cfg.AWSKMSKeyID, cfg.AWSKMSRegion)
	case ProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)
	default:
		return nil, fmt.Errorf("unsupported operator key provider: %s (supported: %s, %s, %s)",
			cfg.Provider, ProviderLocal, ProviderAWSKMS, ProviderVault)
	}
}

// Unseal decrypts the base64-encoded sealed operator key and parses it as a
// secp256k1 private key.
func Unseal(ctx context.Context, p Provider, ciphertextB64 string) (*ecdsa.PrivateKey, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("sealed operator key is not valid base64: %w", err)
	}

	plaintext, err := p.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal operator key (%s): %w", p.Provider(), err)
	}
	defer zeroBytes(plaintext)

	key, err := ethcrypto.ToECDSA(plaintext)
	if err != nil {
		return nil, fmt.Errorf("unsealed operator key is not a valid secp256k1 key: %w", err)
	}
	return key, nil
}

// Seal encrypts a secp256k1 private key for storage, the inverse of Unseal.
func Seal(ctx context.Context, p Provider, key *ecdsa.PrivateKey) (string, error) {
	plaintext := ethcrypto.FromECDSA(key)
	defer zeroBytes(plaintext)

	ciphertext, err := p.Encrypt(ctx, plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to seal operator key (%s): %w", p.Provider(), err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// LocalProvider seals with AES-256-GCM under a local master key.
type LocalProvider struct {
	masterKey []byte
}

// NewLocalProvider creates a local provider from a master key string.
func NewLocalProvider(masterKeyHex string) (*LocalProvider, error) {
	if masterKeyHex == "" {
		return nil, fmt.Errorf("master key is required for local provider")
	}

	masterKey := make([]byte, 32)
	copy(masterKey, []byte(masterKeyHex))

	return &LocalProvider{masterKey: masterKey}, nil
}

// Encrypt seals data with AES-GCM, nonce prepended.
func (p *LocalProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt unseals AES-GCM data.
func (p *LocalProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Provider returns the provider name.
func (p *LocalProvider) Provider() string {
	return string(ProviderLocal)
}

// AWSKMSProvider seals with AWS KMS.
type AWSKMSProvider struct {
	keyID  string
	region string
	client *kms.Client
}

// NewAWSKMSProvider creates an AWS KMS provider. Credentials come from the
// default chain (env vars, shared config, IAM role).
func NewAWSKMSProvider(keyID, region string) (*AWSKMSProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKMSProvider{
		keyID:  keyID,
		region: region,
		client: kms.NewFromConfig(cfg),
	}, nil
}

// Encrypt seals data with the KMS key.
func (p *AWSKMSProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	output, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS encrypt failed: %w", err)
	}
	return output.CiphertextBlob, nil
}

// Decrypt unseals data with the KMS key.
func (p *AWSKMSProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	output, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return output.Plaintext, nil
}

// Provider returns the provider name.
func (p *AWSKMSProvider) Provider() string {
	return string(ProviderAWSKMS)
}

// VaultProvider seals with the HashiCorp Vault Transit engine.
type VaultProvider struct {
	transitKey string
	client     *vault.Client
}

// NewVaultProvider creates a Vault Transit provider.
func NewVaultProvider(address, token, transitKey string) (*VaultProvider, error) {
	if address == "" {
		return nil, fmt.Errorf("Vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("Vault token is required")
	}
	if transitKey == "" {
		return nil, fmt.Errorf("Vault transit key name is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultProvider{transitKey: transitKey, client: client}, nil
}

// Encrypt seals data via Transit. Transit requires base64 plaintext and
// returns a "vault:v1:..." ciphertext string.
func (p *VaultProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/encrypt/%s", p.transitKey)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit encrypt failed: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit encrypt returned empty response")
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit encrypt: ciphertext not found in response")
	}
	return []byte(ciphertext), nil
}

// Decrypt unseals Transit ciphertext.
func (p *VaultProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/decrypt/%s", p.transitKey)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt failed: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit decrypt returned empty response")
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit decrypt: plaintext not found in response")
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

// Provider returns the provider name.
func (p *VaultProvider) Provider() string {
	return string(ProviderVault)
}

// Ensure providers implement Provider
var (
	_ Provider = (*LocalProvider)(nil)
	_ Provider = (*AWSKMSProvider)(nil)
	_ Provider = (*VaultProvider)(nil)
)
