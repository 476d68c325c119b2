package credential

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/covenant-wallet/covenant/internal/metrics"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
)

// Issuer JWKS endpoints by environment. Custom environments supply their own
// URL through config.
const (
	jwksURLProd = "https://auth.covenant.systems/.well-known/jwks"
	jwksURLDev  = "https://auth.dev.covenant.systems/.well-known/jwks"
)

// JWKSURLForEnv resolves the issuer key endpoint for an environment id.
func JWKSURLForEnv(env, customURL string) (string, error) {
	switch env {
	case "prod":
		return jwksURLProd, nil
	case "dev":
		return jwksURLDev, nil
	case "custom":
		if customURL == "" {
			return "", fmt.Errorf("custom issuer environment requires an explicit JWKS URL")
		}
		return customURL, nil
	default:
		return "", fmt.Errorf("unknown issuer environment: %s", env)
	}
}

// JWK is one published verification key in the issuer's key set.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
}

// KeySet is the parsed issuer key set, preserving publication order so the
// "first signature-capable key" fallback is deterministic.
type KeySet struct {
	keys []JWK
	byID map[string]*rsa.PublicKey
	all  []*rsa.PublicKey
}

// KeyFor resolves a verification key. Lookup is by kid when given; when the
// kid is empty or unknown the first signature-capable RSA key is used. A key
// set with no usable key is a hard failure, never a soft warning.
func (ks *KeySet) KeyFor(kid string) (*rsa.PublicKey, error) {
	if kid != "" {
		if key, ok := ks.byID[kid]; ok {
			return key, nil
		}
	}
	if len(ks.all) > 0 {
		return ks.all[0], nil
	}
	return nil, apperrors.CredentialFailure(apperrors.ErrCodeNoVerificationKey,
		"issuer key set contains no signature-capable RSA key")
}

// Fetcher retrieves and caches the issuer's published key set. The key set
// rotates infrequently, so a bounded-TTL cache is safe; verification results
// are never cached here or anywhere else.
type Fetcher struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client

	mu        sync.RWMutex
	cached    *KeySet
	expiresAt time.Time
}

// NewFetcher creates a key-set fetcher for one issuer endpoint.
func NewFetcher(url string, ttl time.Duration) *Fetcher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Fetcher{
		url: url,
		ttl: ttl,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// URL returns the issuer key endpoint.
func (f *Fetcher) URL() string {
	return f.url
}

// Get returns the issuer key set, fetching it when the cache is cold or
// expired. A fetch failure blocks verification — there is no claims-only
// fallback mode — but it is an upstream outage, not a statement about the
// credential: callers get a retryable error, not a terminal rejection.
func (f *Fetcher) Get(ctx context.Context) (*KeySet, error) {
	f.mu.RLock()
	if f.cached != nil && time.Now().Before(f.expiresAt) {
		ks := f.cached
		f.mu.RUnlock()
		return ks, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Another request may have refreshed while we waited for the lock.
	if f.cached != nil && time.Now().Before(f.expiresAt) {
		return f.cached, nil
	}

	ks, err := f.fetch(ctx)
	if err != nil {
		metrics.RecordJWKSFetch("error")
		return nil, err
	}
	metrics.RecordJWKSFetch("ok")

	f.cached = ks
	f.expiresAt = time.Now().Add(f.ttl)
	return ks, nil
}

// fetch retrieves the key set from the issuer. Transport faults, non-200
// statuses and undecodable bodies are all issuer outages: they say nothing
// about any credential, so they map to upstream_unavailable. The
// no_verification_key rejection is reserved for a successfully fetched key
// set that has no usable key (KeySet.KeyFor).
func (f *Fetcher) fetch(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable(
			fmt.Sprintf("cannot build issuer key request: %v", err))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable(
			fmt.Sprintf("cannot fetch issuer key set: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamUnavailable(
			fmt.Sprintf("issuer key endpoint returned status %d", resp.StatusCode))
	}

	var doc struct {
		Keys []JWK `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, apperrors.UpstreamUnavailable(
			fmt.Sprintf("cannot decode issuer key set: %v", err))
	}

	return ParseKeySet(doc.Keys), nil
}

// ParseKeySet builds a KeySet from published JWKs, skipping entries that are
// not signature-capable RSA keys or fail to parse.
func ParseKeySet(keys []JWK) *KeySet {
	ks := &KeySet{
		keys: keys,
		byID: make(map[string]*rsa.PublicKey),
	}

	for _, jwk := range keys {
		if jwk.Kty != "RSA" {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		pub, err := parseRSAKey(jwk)
		if err != nil {
			continue
		}
		if jwk.Kid != "" {
			ks.byID[jwk.Kid] = pub
		}
		ks.all = append(ks.all, pub)
	}

	return ks
}

// parseRSAKey builds an rsa.PublicKey from base64url modulus and exponent.
func parseRSAKey(jwk JWK) (*rsa.PublicKey, error) {
	if jwk.N == "" || jwk.E == "" {
		return nil, fmt.Errorf("missing modulus or exponent")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
