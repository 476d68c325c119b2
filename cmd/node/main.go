// Command node runs one development signing-network node. Every node in a
// dev network derives identical token ids and signing keys from a shared
// master secret, so honest nodes produce byte-identical responses and the
// operator-side threshold agreement works exactly as it does against a real
// distributed network. This binary is a protocol stand-in for development and
// integration tests, not a share-splitting implementation.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/covenant-wallet/covenant/internal/credential"
	"github.com/covenant-wallet/covenant/internal/logger"
	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/pkg/auth"
	"github.com/covenant-wallet/covenant/pkg/authid"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
)

func main() {
	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	node, err := newNode()
	if err != nil {
		slog.Error("failed to configure node", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/mint", node.withEnvelope("mint", node.handleMint))
	mux.HandleFunc("/v1/grant", node.withEnvelope("grant", node.handleGrant))
	mux.HandleFunc("/v1/permit", node.withEnvelope("permit", node.handlePermit))
	mux.HandleFunc("/v1/execute", node.withEnvelope("execute", node.handleExecute))
	mux.HandleFunc("/v1/sign", node.withEnvelope("sign", node.handleSign))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", node.port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("signing node listening", "port", node.port, "operator", node.operator.Hex())
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

// node holds the shared master secret and the per-node protocol state.
type node struct {
	port           int
	masterSecret   []byte
	operator       common.Address
	jwksTTL        time.Duration
	allowedIssuers map[string]bool // resolved JWKS URLs this node will verify against

	mu        sync.Mutex
	grants    map[string]map[string]string // token_id -> grantee -> scope
	permitted map[string]map[string]bool   // token_id -> authorization id set
	tokens    map[string]string            // lowercase public key -> token_id
	seen      map[string]time.Time         // request_id -> first seen
	fetchers  map[string]*credential.Fetcher
}

func newNode() (*node, error) {
	secret := os.Getenv("NODE_MASTER_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("NODE_MASTER_SECRET is required")
	}

	operatorHex := os.Getenv("NODE_OPERATOR_ADDRESS")
	if !common.IsHexAddress(operatorHex) {
		return nil, fmt.Errorf("NODE_OPERATOR_ADDRESS must be a valid address")
	}

	port := 7470
	if p := os.Getenv("NODE_PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid NODE_PORT: %w", err)
		}
		port = parsed
	}

	ttl := time.Hour
	if t := os.Getenv("JWKS_CACHE_TTL_SECONDS"); t != "" {
		secs, err := strconv.Atoi(t)
		if err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}

	issuers := os.Getenv("NODE_ALLOWED_ISSUERS")
	if issuers == "" {
		issuers = "prod,dev"
	}
	allowed, err := parseAllowedIssuers(issuers)
	if err != nil {
		return nil, fmt.Errorf("invalid NODE_ALLOWED_ISSUERS: %w", err)
	}

	return &node{
		port:           port,
		masterSecret:   []byte(secret),
		operator:       common.HexToAddress(operatorHex),
		jwksTTL:        ttl,
		allowedIssuers: allowed,
		grants:         make(map[string]map[string]string),
		permitted:      make(map[string]map[string]bool),
		tokens:         make(map[string]string),
		seen:           make(map[string]time.Time),
		fetchers:       make(map[string]*credential.Fetcher),
	}, nil
}

// parseAllowedIssuers resolves a comma-separated issuer list to the set of
// JWKS URLs this node will fetch verification keys from. Entries are either
// an environment id ("prod", "dev") or an explicit http(s) URL. The node
// never verifies against an endpoint outside this set, whatever the request
// asks for; the operator does not get to pick the trust root.
func parseAllowedIssuers(list string) (map[string]bool, error) {
	allowed := make(map[string]bool)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "http://") || strings.HasPrefix(entry, "https://") {
			allowed[entry] = true
			continue
		}
		url, err := credential.JWKSURLForEnv(entry, "")
		if err != nil {
			return nil, fmt.Errorf("unknown issuer %q", entry)
		}
		allowed[url] = true
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("at least one issuer is required")
	}
	return allowed, nil
}

// withEnvelope verifies the operator signature, freshness and request-id
// uniqueness before handing the body to the operation handler.
func (n *node) withEnvelope(operation string, handler func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}

		timestamp, err := strconv.ParseInt(r.Header.Get("X-Operator-Timestamp"), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid timestamp", http.StatusUnauthorized)
			return
		}
		requestID := r.Header.Get("X-Operator-Request-Id")
		if requestID == "" {
			http.Error(w, "missing request id", http.StatusUnauthorized)
			return
		}

		envelope := &auth.CanonicalRequest{
			Version:   auth.EnvelopeVersion,
			Operation: operation,
			Body:      string(body),
			Timestamp: timestamp,
			RequestID: requestID,
		}

		signer, err := auth.VerifyRequest(envelope, r.Header.Get(auth.SignatureHeader))
		if err != nil {
			http.Error(w, "invalid envelope signature", http.StatusUnauthorized)
			return
		}
		if signer != n.operator {
			slog.Warn("envelope signed by unregistered operator", "signer", signer.Hex())
			http.Error(w, "unknown operator", http.StatusUnauthorized)
			return
		}
		if err := auth.CheckFreshness(envelope, time.Now()); err != nil {
			http.Error(w, "stale envelope", http.StatusUnauthorized)
			return
		}
		if !n.recordRequestID(requestID) {
			http.Error(w, "replayed request id", http.StatusUnauthorized)
			return
		}

		handler(w, r, body)
	}
}

// recordRequestID returns false when the id was already seen within the
// replay window.
func (n *node) recordRequestID(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	for k, t := range n.seen {
		if now.Sub(t) > auth.MaxEnvelopeAge {
			delete(n.seen, k)
		}
	}
	if _, dup := n.seen[id]; dup {
		return false
	}
	n.seen[id] = now
	return true
}

// handleMint derives a token id and key pair from the mint request id. Every
// node derives the same values, so responses agree byte for byte.
func (n *node) handleMint(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.RequestID == "" {
		http.Error(w, "request_id is required", http.StatusBadRequest)
		return
	}

	tokenID := n.deriveTokenID(req.RequestID)
	key, err := n.tokenKey(tokenID)
	if err != nil {
		http.Error(w, "key derivation failed", http.StatusInternalServerError)
		return
	}
	publicKey := "0x" + hex.EncodeToString(ethcrypto.FromECDSAPub(&key.PublicKey))

	n.mu.Lock()
	n.tokens[strings.ToLower(publicKey)] = tokenID
	n.mu.Unlock()

	writeJSON(w, signnet.MintResult{TokenID: tokenID, PublicKey: publicKey})
}

// handleGrant records a signing capability grant on a token together with
// the authorization id the key-share set is bound to. The binding lives here
// on the node, not in operator storage: execute checks the verified subject
// against it, so a grantee cannot widen its own access later.
func (n *node) handleGrant(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		TokenID         string `json:"token_id"`
		Grantee         string `json:"grantee"`
		Scope           string `json:"scope"`
		AuthorizationID string `json:"authorization_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.TokenID == "" || !common.IsHexAddress(req.Grantee) {
		http.Error(w, "token_id and grantee are required", http.StatusBadRequest)
		return
	}
	if !authid.Valid(req.AuthorizationID) {
		http.Error(w, "authorization_id must be a 32-byte hex id", http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	if n.grants[req.TokenID] == nil {
		n.grants[req.TokenID] = make(map[string]string)
	}
	n.grants[req.TokenID][common.HexToAddress(req.Grantee).Hex()] = req.Scope
	n.recordPermitLocked(req.TokenID, req.AuthorizationID)
	n.mu.Unlock()

	writeJSON(w, map[string]bool{"granted": true})
}

// handlePermit registers an additional authorization id on a token, so more
// than one identity can be bound to the same key-share set.
func (n *node) handlePermit(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		TokenID         string `json:"token_id"`
		AuthorizationID string `json:"authorization_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.TokenID == "" {
		http.Error(w, "token_id is required", http.StatusBadRequest)
		return
	}
	if !authid.Valid(req.AuthorizationID) {
		http.Error(w, "authorization_id must be a 32-byte hex id", http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	known := n.grants[req.TokenID] != nil
	if known {
		n.recordPermitLocked(req.TokenID, req.AuthorizationID)
	}
	n.mu.Unlock()

	if !known {
		http.Error(w, "no grant recorded for token", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]bool{"permitted": true})
}

func (n *node) recordPermitLocked(tokenID, authorizationID string) {
	if n.permitted[tokenID] == nil {
		n.permitted[tokenID] = make(map[string]bool)
	}
	n.permitted[tokenID][authid.Canonical(authorizationID)] = true
}

// handleExecute runs the verify-and-sign program: full credential
// verification and authorization binding on this node, signature only on
// success. Failures return a structured result and never any share material.
func (n *node) handleExecute(w http.ResponseWriter, r *http.Request, body []byte) {
	var inv signnet.ProgramInvocation
	if err := json.Unmarshal(body, &inv); err != nil {
		http.Error(w, "invalid invocation", http.StatusBadRequest)
		return
	}
	if inv.ProgramID != signnet.ProgramVerifyAndSign {
		http.Error(w, "unknown program", http.StatusBadRequest)
		return
	}
	// Version 1 trusted unverified claims; it is permanently refused.
	if inv.Version != signnet.ProgramVersion {
		http.Error(w, fmt.Sprintf("unsupported program version %d", inv.Version), http.StatusBadRequest)
		return
	}

	params := inv.Params

	verifier, err := n.verifierFor(params.IssuerEnv, params.IssuerJWKSURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	claims, err := verifier.Verify(r.Context(), params.Credential)
	if err != nil {
		writeJSON(w, failResult(err))
		return
	}

	if !authid.Bind(claims.Subject, params.ClaimedAuthorizationID) {
		writeJSON(w, signnet.ExecuteResult{
			Status: signnet.StatusFail,
			Reason: apperrors.ErrCodeUnauthorized,
		})
		return
	}

	// The claim check above only proves the credential matches what the
	// operator asked for. The subject must also hash to an id this node
	// recorded for the key-share set at grant or permit time; a credential
	// the operator holds for some other identity stops here.
	if !n.subjectPermitted(params.PublicKey, claims.Subject) {
		writeJSON(w, signnet.ExecuteResult{
			Status: signnet.StatusFail,
			Reason: apperrors.ErrCodeUnauthorized,
		})
		return
	}

	share, err := n.signForPublicKey(params.PublicKey, params.Digest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, signnet.ExecuteResult{
		Status:  signnet.StatusOK,
		Subject: claims.Subject,
		Share:   share,
	})
}

// handleSign performs a plain signature for a granted operator, with no
// credential verification. Only the local execution mode uses this.
func (n *node) handleSign(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		PublicKey   string `json:"public_key"`
		Digest      string `json:"digest"`
		AuthContext string `json:"auth_context"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	share, err := n.signForPublicKey(req.PublicKey, req.Digest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]*ethsig.RawSignature{"share": share})
}

// signForPublicKey checks the operator grant and signs the digest with the
// token's derived key.
func (n *node) signForPublicKey(publicKey, digestHex string) (*ethsig.RawSignature, error) {
	n.mu.Lock()
	tokenID, ok := n.tokens[strings.ToLower(publicKey)]
	var scope string
	if ok {
		scope = n.grants[tokenID][n.operator.Hex()]
	}
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown public key")
	}
	if scope != signnet.ScopeSignAny {
		return nil, fmt.Errorf("operator has no signing grant on this token")
	}

	digest, err := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes of hex")
	}

	key, err := n.tokenKey(tokenID)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed")
	}

	// Deterministic nonces make every node produce the identical signature.
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("signing failed")
	}

	return &ethsig.RawSignature{Signature: "0x" + hex.EncodeToString(sig)}, nil
}

// deriveTokenID maps a mint request id to a deterministic 32-byte token id.
func (n *node) deriveTokenID(requestID string) string {
	sum := ethcrypto.Keccak256(n.masterSecret, []byte("token"), []byte(requestID))
	return "0x" + hex.EncodeToString(sum)
}

// tokenKey derives the signing key for a token from the master secret.
func (n *node) tokenKey(tokenID string) (*ecdsa.PrivateKey, error) {
	seed := ethcrypto.Keccak256(n.masterSecret, []byte("key"), []byte(strings.ToLower(tokenID)))
	return ethcrypto.ToECDSA(seed)
}

// subjectPermitted reports whether the verified subject hashes to an
// authorization id recorded on this node for the key-share set.
func (n *node) subjectPermitted(publicKey, subject string) bool {
	id := authid.FromSubject(subject)

	n.mu.Lock()
	defer n.mu.Unlock()
	tokenID, ok := n.tokens[strings.ToLower(publicKey)]
	if !ok {
		return false
	}
	return n.permitted[tokenID][id]
}

// verifierFor resolves a credential verifier for the requested issuer,
// caching the key-set fetcher per endpoint. Issuers outside the node's
// configured allowlist are refused regardless of what the request names.
func (n *node) verifierFor(env, customURL string) (*credential.Verifier, error) {
	url, err := credential.JWKSURLForEnv(env, customURL)
	if err != nil {
		return nil, err
	}
	if !n.allowedIssuers[url] {
		return nil, fmt.Errorf("issuer %s is not accepted by this node", url)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	fetcher, ok := n.fetchers[url]
	if !ok {
		fetcher = credential.NewFetcher(url, n.jwksTTL)
		n.fetchers[url] = fetcher
	}
	return credential.NewVerifier(fetcher), nil
}

// failResult converts a verification error into the structured failure form.
func failResult(err error) signnet.ExecuteResult {
	reason := apperrors.ErrCodeSignatureInvalid
	if appErr, ok := apperrors.IsAppError(err); ok {
		reason = appErr.Code
	}
	return signnet.ExecuteResult{Status: signnet.StatusFail, Reason: reason}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
