// Package signnet is the operator-side client for the threshold-signing
// network. Every operation is an operator-signed request fanned out to all
// configured nodes; a result only counts when at least the configured
// threshold of nodes independently agree on it.
package signnet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"

	"github.com/covenant-wallet/covenant/internal/logger"
	"github.com/covenant-wallet/covenant/internal/metrics"
	"github.com/covenant-wallet/covenant/pkg/auth"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
)

// Node API paths.
const (
	pathMint    = "/v1/mint"
	pathGrant   = "/v1/grant"
	pathPermit  = "/v1/permit"
	pathExecute = "/v1/execute"
	pathSign    = "/v1/sign"
)

// ScopeSignAny is the capability granted to the operator at provisioning.
// The grant lets the operator request executions; it is never sufficient to
// sign on its own, since the nodes re-verify the user credential.
const ScopeSignAny = "sign-any"

// Envelope freshness/replay headers on node requests.
const (
	headerTimestamp = "X-Operator-Timestamp"
	headerRequestID = "X-Operator-Request-Id"
)

// defaultNetworkNodes maps named networks to their node endpoints.
var defaultNetworkNodes = map[string][]string{
	"devnet": {
		"http://127.0.0.1:7470",
		"http://127.0.0.1:7471",
		"http://127.0.0.1:7472",
	},
}

// Config configures the network client.
type Config struct {
	// Network is a named network, or "custom" with explicit Nodes.
	Network   string
	Nodes     []string
	Threshold int
	Timeout   time.Duration
}

// Client is the long-lived signing-network connection, shared across
// requests. Node connections are initialized lazily on first use; the
// sync.Once guard makes concurrent first-use safe without holding a lock for
// the connection's lifetime.
type Client struct {
	cfg         Config
	operatorKey *ecdsa.PrivateKey
	log         *slog.Logger

	initOnce sync.Once
	initErr  error
	nodes    []*node
}

type node struct {
	endpoint Endpoint
	http     *req.Client
}

// MintResult is the agreed outcome of minting a new key-share set.
type MintResult struct {
	TokenID   string `json:"token_id"`
	PublicKey string `json:"public_key"`
}

// NewClient creates a signing-network client. The operator key signs every
// request envelope; nodes recover the signer and check it against the
// registered operator.
func NewClient(cfg Config, operatorKey *ecdsa.PrivateKey) (*Client, error) {
	if operatorKey == nil {
		return nil, fmt.Errorf("operator key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Nodes) == 0 {
		nodes, ok := defaultNetworkNodes[cfg.Network]
		if !ok {
			return nil, fmt.Errorf("unknown signing network %q and no explicit nodes configured", cfg.Network)
		}
		cfg.Nodes = nodes
	}
	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Nodes) {
		return nil, fmt.Errorf("threshold %d out of range for %d nodes", cfg.Threshold, len(cfg.Nodes))
	}

	return &Client{
		cfg:         cfg,
		operatorKey: operatorKey,
		log:         logger.Component("signnet"),
	}, nil
}

// init builds the per-node HTTP clients. Idempotent and safe under
// concurrent first use.
func (c *Client) init() error {
	c.initOnce.Do(func() {
		for _, raw := range c.cfg.Nodes {
			ep, err := ParseEndpoint(raw)
			if err != nil {
				c.initErr = err
				return
			}

			httpClient := req.C().SetTimeout(c.cfg.Timeout)
			if dial := ep.DialFunc(c.cfg.Timeout); dial != nil {
				httpClient.SetDial(dial)
			}

			c.nodes = append(c.nodes, &node{endpoint: ep, http: httpClient})
		}
		c.log.Info("signing-network client initialized",
			"network", c.cfg.Network,
			"nodes", len(c.nodes),
			"threshold", c.cfg.Threshold,
		)
	})
	return c.initErr
}

// Mint requests a new key-share set. The nodes agree on the token id and the
// distributed key's public key; the operator pays any minting cost via the
// envelope signature.
func (c *Client) Mint(ctx context.Context) (*MintResult, error) {
	body := map[string]string{"request_id": uuid.NewString()}

	responses, err := c.broadcast(ctx, "mint", pathMint, body)
	if err != nil {
		return nil, err
	}

	result, err := agree[MintResult](responses, c.cfg.Threshold)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("minting did not reach threshold agreement: " + err.Error())
	}
	if result.TokenID == "" || result.PublicKey == "" {
		return nil, apperrors.UpstreamUnavailable("minting returned incomplete result")
	}
	return result, nil
}

// GrantPermission grants a signing capability on a key-share set to an
// address (the operator's own, at provisioning time) and registers the set's
// origin authorization id with the nodes. The nodes keep that binding
// themselves: during remote execution they check the verified subject against
// it, so the binding cannot be satisfied by anything the operator stores or
// claims on its own.
func (c *Client) GrantPermission(ctx context.Context, tokenID, grantee, scope, authorizationID string) error {
	body := map[string]string{
		"token_id":         tokenID,
		"grantee":          grantee,
		"scope":            scope,
		"authorization_id": authorizationID,
	}

	responses, err := c.broadcast(ctx, "grant", pathGrant, body)
	if err != nil {
		return err
	}

	type grantResult struct {
		Granted bool `json:"granted"`
	}
	result, err := agree[grantResult](responses, c.cfg.Threshold)
	if err != nil {
		return apperrors.UpstreamUnavailable("permission grant did not reach threshold agreement: " + err.Error())
	}
	if !result.Granted {
		return apperrors.UpstreamUnavailable("signing nodes refused the permission grant")
	}
	return nil
}

// PermitAuthorization registers an additional authorization id on a key-share
// set with the nodes. Remote execution refuses subjects outside the
// registered set, so every permitted subject must be registered here, not
// only in the operator's own records.
func (c *Client) PermitAuthorization(ctx context.Context, tokenID, authorizationID string) error {
	body := map[string]string{
		"token_id":         tokenID,
		"authorization_id": authorizationID,
	}

	responses, err := c.broadcast(ctx, "permit", pathPermit, body)
	if err != nil {
		return err
	}

	type permitResult struct {
		Permitted bool `json:"permitted"`
	}
	result, err := agree[permitResult](responses, c.cfg.Threshold)
	if err != nil {
		return apperrors.UpstreamUnavailable("authorization permit did not reach threshold agreement: " + err.Error())
	}
	if !result.Permitted {
		return apperrors.UpstreamUnavailable("signing nodes refused the authorization permit")
	}
	return nil
}

// ExecuteRemote runs a verify-and-sign program invocation on the nodes. All
// verification happens node-side; the operator sees only the structured
// result. A failing result never yields signature material: nodes that
// attach a share to a failure are protocol violators and their response is
// discarded before agreement counting.
func (c *Client) ExecuteRemote(ctx context.Context, inv ProgramInvocation) (*ExecuteResult, error) {
	responses, err := c.broadcast(ctx, "execute", pathExecute, inv)
	if err != nil {
		return nil, err
	}

	valid := responses[:0]
	for _, raw := range responses {
		var r ExecuteResult
		if json.Unmarshal(raw, &r) != nil {
			continue
		}
		if r.Status == StatusFail && r.Share != nil {
			c.log.Warn("discarding protocol-violating node response: failure with share material")
			continue
		}
		valid = append(valid, raw)
	}

	result, err := agree[ExecuteResult](valid, c.cfg.Threshold)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("remote execution did not reach threshold agreement: " + err.Error())
	}

	if result.Status != StatusOK {
		return nil, failReasonError(result.Reason)
	}
	if result.Share == nil {
		return nil, apperrors.UpstreamUnavailable("remote execution succeeded but returned no signature share")
	}
	return result, nil
}

// Sign requests a plain threshold signature over a 32-byte digest. Used only
// by the local execution mode, after the operator has verified the
// credential itself; strictly weaker trust than ExecuteRemote.
func (c *Client) Sign(ctx context.Context, publicKey string, digest []byte, authContext string) (*ethsig.RawSignature, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}

	body := map[string]string{
		"public_key":   publicKey,
		"digest":       "0x" + hex.EncodeToString(digest),
		"auth_context": authContext,
	}

	responses, err := c.broadcast(ctx, "sign", pathSign, body)
	if err != nil {
		return nil, err
	}

	type signResult struct {
		Share *ethsig.RawSignature `json:"share"`
	}
	result, err := agree[signResult](responses, c.cfg.Threshold)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("signing did not reach threshold agreement: " + err.Error())
	}
	if result.Share == nil {
		return nil, apperrors.UpstreamUnavailable("signing nodes returned no signature share")
	}
	return result.Share, nil
}

type nodeResponse struct {
	endpoint string
	body     []byte
	err      error
}

// broadcast sends one operator-signed request to every node and collects the
// successful response bodies. Fewer than threshold successes is an upstream
// failure, never silently tolerated.
func (c *Client) broadcast(ctx context.Context, operation, path string, body interface{}) ([]json.RawMessage, error) {
	if err := c.init(); err != nil {
		return nil, apperrors.UpstreamUnavailable("signing-network client init failed: " + err.Error())
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}

	envelope := &auth.CanonicalRequest{
		Version:   auth.EnvelopeVersion,
		Operation: operation,
		Body:      string(bodyBytes),
		Timestamp: time.Now().Unix(),
		RequestID: uuid.NewString(),
	}
	signature, err := auth.SignRequest(c.operatorKey, envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s envelope: %w", operation, err)
	}

	start := time.Now()
	resc := make(chan nodeResponse, len(c.nodes))
	for _, n := range c.nodes {
		go func(n *node) {
			respBody, err := c.send(ctx, n, path, bodyBytes, envelope, signature)
			resc <- nodeResponse{endpoint: n.endpoint.Raw, body: respBody, err: err}
		}(n)
	}

	var successes []json.RawMessage
	var failures []error
	for range c.nodes {
		res := <-resc
		if res.err != nil {
			c.log.Warn("node request failed",
				"operation", operation,
				"node", res.endpoint,
				"error", res.err,
			)
			failures = append(failures, fmt.Errorf("%s: %w", res.endpoint, res.err))
			continue
		}
		successes = append(successes, res.body)
	}

	outcome := "ok"
	if len(successes) < c.cfg.Threshold {
		outcome = "upstream_unavailable"
	}
	metrics.ObserveSignnetRequest(operation, outcome, time.Since(start))

	if len(successes) < c.cfg.Threshold {
		return nil, apperrors.UpstreamUnavailable(fmt.Sprintf(
			"%d of %d nodes responded (threshold %d): %v",
			len(successes), len(c.nodes), c.cfg.Threshold, failures))
	}
	return successes, nil
}

// send posts one signed request to one node.
func (c *Client) send(ctx context.Context, n *node, path string, body []byte, envelope *auth.CanonicalRequest, signature string) ([]byte, error) {
	resp, err := n.http.R().
		SetContext(ctx).
		SetContentType("application/json").
		SetHeader(auth.SignatureHeader, signature).
		SetHeader(headerTimestamp, fmt.Sprintf("%d", envelope.Timestamp)).
		SetHeader(headerRequestID, envelope.RequestID).
		SetBodyBytes(body).
		Post(n.endpoint.BaseURL + path)
	if err != nil {
		return nil, err
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("node returned status %d: %s", resp.StatusCode, resp.String())
	}
	return resp.Bytes(), nil
}

// agree decodes the responses and requires at least threshold of them to be
// byte-identical after canonical re-encoding. Disagreeing minorities are
// dropped; no majority means no result.
func agree[T any](responses []json.RawMessage, threshold int) (*T, error) {
	counts := make(map[string]int)
	values := make(map[string]*T)

	for _, raw := range responses {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		canonical, err := json.Marshal(v)
		if err != nil {
			continue
		}
		key := string(canonical)
		counts[key]++
		if _, ok := values[key]; !ok {
			values[key] = &v
		}
	}

	for key, n := range counts {
		if n >= threshold {
			return values[key], nil
		}
	}
	return nil, fmt.Errorf("no result reached %d matching responses (got %d distinct)", threshold, len(counts))
}
