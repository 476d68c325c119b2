// Package mocks provides in-process stand-ins for the credential issuer and
// the signing network, used by package and integration tests.
package mocks

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKSServer serves a controllable issuer key set and mints credentials
// against it, including deliberately broken ones for each verification step.
type JWKSServer struct {
	server *httptest.Server
	mu     sync.RWMutex

	keys     map[string]*rsa.PrivateKey
	firstKid string

	issuer string

	shouldFail bool
	statusCode int
}

// NewJWKSServer starts a key-set server for the given issuer.
func NewJWKSServer(issuer string) *JWKSServer {
	m := &JWKSServer{
		keys:       make(map[string]*rsa.PrivateKey),
		issuer:     issuer,
		statusCode: http.StatusOK,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleJWKS))
	return m
}

func (m *JWKSServer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.shouldFail {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "mock server failure"}`))
		return
	}
	if m.statusCode != http.StatusOK {
		w.WriteHeader(m.statusCode)
		w.Write([]byte(`{"error": "configured failure"}`))
		return
	}

	keys := make([]map[string]interface{}, 0, len(m.keys))
	for kid, key := range m.keys {
		keys = append(keys, map[string]interface{}{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"keys": keys})
}

// AddKey generates an RSA signing key and publishes it under kid.
func (m *JWKSServer) AddKey(kid string) (*rsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	m.keys[kid] = key
	if m.firstKid == "" {
		m.firstKid = kid
	}
	return key, nil
}

// URL returns the key-set endpoint URL.
func (m *JWKSServer) URL() string {
	return m.server.URL
}

// SetShouldFail makes every key-set fetch fail with a 500.
func (m *JWKSServer) SetShouldFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = fail
}

// SetStatusCode overrides the key-set response status.
func (m *JWKSServer) SetStatusCode(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = code
}

// Close shuts the server down.
func (m *JWKSServer) Close() {
	m.server.Close()
}

// SignCredential signs arbitrary claims with the published key. Claims not
// set by the caller get sensible valid defaults.
func (m *JWKSServer) SignCredential(claims jwt.MapClaims) (string, error) {
	m.mu.RLock()
	kid := m.firstKid
	key := m.keys[kid]
	m.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("no signing keys published")
	}

	if claims == nil {
		claims = jwt.MapClaims{}
	}
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = m.issuer
	}
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = time.Now().Unix()
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// ValidCredential mints a credential that passes every verification step.
func (m *JWKSServer) ValidCredential(subject string) (string, error) {
	return m.SignCredential(jwt.MapClaims{"sub": subject})
}

// ExpiredCredential mints a credential whose exp is in the past.
func (m *JWKSServer) ExpiredCredential(subject string) (string, error) {
	return m.SignCredential(jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
}

// StaleCredential mints a credential issued beyond the maximum accepted age
// but with exp still in the future.
func (m *JWKSServer) StaleCredential(subject string) (string, error) {
	return m.SignCredential(jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Add(-25 * time.Hour).Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}

// NotYetValidCredential mints a credential with nbf in the future.
func (m *JWKSServer) NotYetValidCredential(subject string) (string, error) {
	return m.SignCredential(jwt.MapClaims{
		"sub": subject,
		"nbf": time.Now().Add(time.Hour).Unix(),
	})
}

// MissingSubjectCredential mints a valid credential with no sub claim.
func (m *JWKSServer) MissingSubjectCredential() (string, error) {
	return m.SignCredential(jwt.MapClaims{})
}

// UnknownKidCredential mints a credential signed by a key the key set does
// not publish.
func (m *JWKSServer) UnknownKidCredential(subject string) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": m.issuer,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "unknown-kid"
	return token.SignedString(key)
}

// WrongKeyCredential mints a credential that names a published kid but is
// signed with a different key, so only the signature check fails.
func (m *JWKSServer) WrongKeyCredential(subject string) (string, error) {
	m.mu.RLock()
	kid := m.firstKid
	m.mu.RUnlock()
	if kid == "" {
		return "", fmt.Errorf("no signing keys published")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": m.issuer,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// NoneAlgorithmCredential constructs an unsigned alg=none credential.
func (m *JWKSServer) NoneAlgorithmCredential(subject string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"iss":"%s","sub":"%s","iat":%d,"exp":%d}`,
		m.issuer, subject, time.Now().Unix(), time.Now().Add(time.Hour).Unix(),
	)))
	return header + "." + payload + "."
}

// HS256Credential signs with HMAC using the published RSA public key bytes as
// the secret (the classic algorithm-confusion attack shape).
func (m *JWKSServer) HS256Credential(subject string) (string, error) {
	m.mu.RLock()
	kid := m.firstKid
	key := m.keys[kid]
	m.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("no signing keys published")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": m.issuer,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = kid
	return token.SignedString(key.PublicKey.N.Bytes())
}
