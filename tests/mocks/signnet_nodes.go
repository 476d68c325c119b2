package mocks

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/pkg/auth"
	"github.com/covenant-wallet/covenant/pkg/authid"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
)

// VerifyFunc validates a raw credential and returns its subject, or a
// taxonomy failure code. It stands in for the node-side verifier.
type VerifyFunc func(credential string) (subject string, failReason string)

// AcceptAll is a VerifyFunc that treats the whole credential as the subject.
func AcceptAll(credential string) (string, string) {
	return credential, ""
}

// NodeNetwork is an in-process signing network. All nodes derive identical
// token ids and keys from a shared master secret, so honest nodes agree byte
// for byte and per-node fault injection shows up as a minority.
type NodeNetwork struct {
	Nodes        []*MockNode
	masterSecret []byte
}

// MockNode is one fault-injectable network node.
type MockNode struct {
	server  *httptest.Server
	network *NodeNetwork

	mu        sync.Mutex
	grants    map[string]map[string]string // token_id -> grantee -> scope
	permitted map[string]map[string]bool   // token_id -> authorization id set
	tokens    map[string]string            // lowercase public key -> token_id

	// Operator is the only accepted envelope signer when set.
	Operator common.Address
	// Verify validates credentials on execute; defaults to AcceptAll.
	Verify VerifyFunc

	// Fault injection.
	FailAll         bool // respond 500 to everything
	DivergentMint   bool // derive a different token id than the honest nodes
	GrantRefused    bool // refuse permission grants while minting still works
	ShareOnFailure  bool // attach share material to failing execute results
	RefuseProgramV2 bool // report the current program version as unsupported
}

// NewNodeNetwork starts n nodes sharing one master secret. Operator-signature
// enforcement is on when operator is non-zero.
func NewNodeNetwork(n int, masterSecret string, operator common.Address) *NodeNetwork {
	nw := &NodeNetwork{masterSecret: []byte(masterSecret)}
	for i := 0; i < n; i++ {
		node := &MockNode{
			network:   nw,
			grants:    make(map[string]map[string]string),
			permitted: make(map[string]map[string]bool),
			tokens:    make(map[string]string),
			Operator:  operator,
			Verify:    AcceptAll,
		}
		node.server = httptest.NewServer(http.HandlerFunc(node.handle))
		nw.Nodes = append(nw.Nodes, node)
	}
	return nw
}

// URLs returns every node endpoint.
func (nw *NodeNetwork) URLs() []string {
	urls := make([]string, len(nw.Nodes))
	for i, n := range nw.Nodes {
		urls[i] = n.server.URL
	}
	return urls
}

// SetVerify installs the credential verifier on every node.
func (nw *NodeNetwork) SetVerify(fn VerifyFunc) {
	for _, n := range nw.Nodes {
		n.Verify = fn
	}
}

// TokenKey returns the signing key the network would derive for a token id.
func (nw *NodeNetwork) TokenKey(tokenID string) (*ecdsa.PrivateKey, error) {
	seed := ethcrypto.Keccak256(nw.masterSecret, []byte("key"), []byte(strings.ToLower(tokenID)))
	return ethcrypto.ToECDSA(seed)
}

// Close shuts every node down.
func (nw *NodeNetwork) Close() {
	for _, n := range nw.Nodes {
		n.server.Close()
	}
}

func (n *MockNode) handle(w http.ResponseWriter, r *http.Request) {
	if n.FailAll {
		http.Error(w, "injected node failure", http.StatusInternalServerError)
		return
	}

	body := make([]byte, 0, 1024)
	buf := make([]byte, 4096)
	for {
		read, err := r.Body.Read(buf)
		body = append(body, buf[:read]...)
		if err != nil {
			break
		}
	}

	if n.Operator != (common.Address{}) {
		if !n.verifyEnvelope(r, body) {
			http.Error(w, "invalid envelope", http.StatusUnauthorized)
			return
		}
	}

	switch r.URL.Path {
	case "/v1/mint":
		n.handleMint(w, body)
	case "/v1/grant":
		n.handleGrant(w, body)
	case "/v1/permit":
		n.handlePermit(w, body)
	case "/v1/execute":
		n.handleExecute(w, body)
	case "/v1/sign":
		n.handleSign(w, body)
	default:
		http.NotFound(w, r)
	}
}

func (n *MockNode) verifyEnvelope(r *http.Request, body []byte) bool {
	timestamp, err := strconv.ParseInt(r.Header.Get("X-Operator-Timestamp"), 10, 64)
	if err != nil {
		return false
	}
	requestID := r.Header.Get("X-Operator-Request-Id")
	if requestID == "" {
		return false
	}

	operation := strings.TrimPrefix(r.URL.Path, "/v1/")
	envelope := &auth.CanonicalRequest{
		Version:   auth.EnvelopeVersion,
		Operation: operation,
		Body:      string(body),
		Timestamp: timestamp,
		RequestID: requestID,
	}

	signer, err := auth.VerifyRequest(envelope, r.Header.Get(auth.SignatureHeader))
	if err != nil || signer != n.Operator {
		return false
	}
	return auth.CheckFreshness(envelope, time.Now()) == nil
}

func (n *MockNode) handleMint(w http.ResponseWriter, body []byte) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.RequestID == "" {
		http.Error(w, "request_id is required", http.StatusBadRequest)
		return
	}

	salt := "token"
	if n.DivergentMint {
		salt = "divergent"
	}
	sum := ethcrypto.Keccak256(n.network.masterSecret, []byte(salt), []byte(req.RequestID))
	tokenID := "0x" + hex.EncodeToString(sum)

	key, err := n.network.TokenKey(tokenID)
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

func (n *MockNode) handleGrant(w http.ResponseWriter, body []byte) {
	if n.GrantRefused {
		http.Error(w, "grant refused", http.StatusForbidden)
		return
	}

	var req struct {
		TokenID         string `json:"token_id"`
		Grantee         string `json:"grantee"`
		Scope           string `json:"scope"`
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
	if n.grants[req.TokenID] == nil {
		n.grants[req.TokenID] = make(map[string]string)
	}
	n.grants[req.TokenID][common.HexToAddress(req.Grantee).Hex()] = req.Scope
	if n.permitted[req.TokenID] == nil {
		n.permitted[req.TokenID] = make(map[string]bool)
	}
	n.permitted[req.TokenID][authid.Canonical(req.AuthorizationID)] = true
	n.mu.Unlock()

	writeJSON(w, map[string]bool{"granted": true})
}

func (n *MockNode) handlePermit(w http.ResponseWriter, body []byte) {
	var req struct {
		TokenID         string `json:"token_id"`
		AuthorizationID string `json:"authorization_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.TokenID == "" || !authid.Valid(req.AuthorizationID) {
		http.Error(w, "token_id and authorization_id are required", http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	known := n.grants[req.TokenID] != nil
	if known {
		if n.permitted[req.TokenID] == nil {
			n.permitted[req.TokenID] = make(map[string]bool)
		}
		n.permitted[req.TokenID][authid.Canonical(req.AuthorizationID)] = true
	}
	n.mu.Unlock()

	if !known {
		http.Error(w, "no grant recorded for token", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]bool{"permitted": true})
}

func (n *MockNode) handleExecute(w http.ResponseWriter, body []byte) {
	var inv signnet.ProgramInvocation
	if err := json.Unmarshal(body, &inv); err != nil {
		http.Error(w, "invalid invocation", http.StatusBadRequest)
		return
	}
	if inv.ProgramID != signnet.ProgramVerifyAndSign {
		http.Error(w, "unknown program", http.StatusBadRequest)
		return
	}
	if inv.Version != signnet.ProgramVersion || n.RefuseProgramV2 {
		http.Error(w, fmt.Sprintf("unsupported program version %d", inv.Version), http.StatusBadRequest)
		return
	}

	subject, reason := n.Verify(inv.Params.Credential)
	if reason == "" && !authid.Bind(subject, inv.Params.ClaimedAuthorizationID) {
		reason = apperrors.ErrCodeUnauthorized
	}
	// The verified subject must also be in the authorization set this node
	// recorded for the key-share set at grant/permit time.
	if reason == "" && !n.subjectPermitted(inv.Params.PublicKey, subject) {
		reason = apperrors.ErrCodeUnauthorized
	}

	if reason != "" {
		result := signnet.ExecuteResult{Status: signnet.StatusFail, Reason: reason}
		if n.ShareOnFailure {
			result.Share = &ethsig.RawSignature{Signature: "0x" + strings.Repeat("ab", 65)}
		}
		writeJSON(w, result)
		return
	}

	share, err := n.sign(inv.Params.PublicKey, inv.Params.Digest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, signnet.ExecuteResult{
		Status:  signnet.StatusOK,
		Subject: subject,
		Share:   share,
	})
}

func (n *MockNode) handleSign(w http.ResponseWriter, body []byte) {
	var req struct {
		PublicKey string `json:"public_key"`
		Digest    string `json:"digest"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	share, err := n.sign(req.PublicKey, req.Digest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]*ethsig.RawSignature{"share": share})
}

func (n *MockNode) subjectPermitted(publicKey, subject string) bool {
	id := authid.FromSubject(subject)

	n.mu.Lock()
	defer n.mu.Unlock()
	tokenID, ok := n.tokens[strings.ToLower(publicKey)]
	if !ok {
		return false
	}
	return n.permitted[tokenID][id]
}

// sign checks the grant and produces the deterministic token signature.
func (n *MockNode) sign(publicKey, digestHex string) (*ethsig.RawSignature, error) {
	n.mu.Lock()
	tokenID, ok := n.tokens[strings.ToLower(publicKey)]
	var granted bool
	if ok && n.Operator != (common.Address{}) {
		granted = n.grants[tokenID][n.Operator.Hex()] == signnet.ScopeSignAny
	} else if ok {
		granted = len(n.grants[tokenID]) > 0
	}
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown public key")
	}
	if !granted {
		return nil, fmt.Errorf("no signing grant on this token")
	}

	digest, err := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes of hex")
	}

	key, err := n.network.TokenKey(tokenID)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	return &ethsig.RawSignature{Signature: "0x" + hex.EncodeToString(sig)}, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
