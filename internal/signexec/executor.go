// Package signexec runs the verify-and-sign trust boundary. An Executor
// takes one sign request through the fixed sequence parse credential, fetch
// issuer keys, verify signature, validate claims, bind authorization, sign;
// no path reaches signing without every prior check passing, and no failing
// path yields signature material.
//
// Two implementations share the contract. RemoteExecutor ships the sequence
// to the signing nodes and is the preferred mode: the operator cannot
// observe or skip the checks. LocalExecutor runs the checks on the
// operator's own infrastructure before a plain threshold sign; it is a
// degraded trust model that must be configured deliberately.
package signexec

import (
	"context"
	"fmt"

	"github.com/covenant-wallet/covenant/internal/credential"
	"github.com/covenant-wallet/covenant/internal/signnet"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
	"github.com/covenant-wallet/covenant/pkg/types"
)

// Request is one verify-and-sign invocation. It is transient: built per
// call, never persisted, never cached.
type Request struct {
	// Credential is the raw bearer token, untrusted until verified.
	Credential string

	// ClaimedAuthorizationID is the authorization id the caller claims the
	// credential's subject resolves to. The executor recomputes and compares;
	// the claim is never trusted.
	ClaimedAuthorizationID string

	// Digest is the 32-byte payload to sign, already hashed by the caller
	// per the signature scheme in use.
	Digest []byte

	// PublicKey identifies the key-share set on the signing network.
	PublicKey string
}

// Result is a successful verify-and-sign outcome: the normalized signature
// and the verified subject the credential resolved to.
type Result struct {
	Signature ethsig.Signature
	Subject   string
}

// Executor is the strategy contract shared by both execution modes.
type Executor interface {
	// VerifyAndSign runs the full sequence for one request. Any failure
	// returns a nil result; signature material is never partially released.
	VerifyAndSign(ctx context.Context, req *Request) (*Result, error)

	// Mode reports the configured execution mode.
	Mode() string
}

// Config selects and parameterizes the execution mode.
type Config struct {
	Mode          string
	IssuerEnv     string
	IssuerJWKSURL string
}

// New constructs the executor for the configured mode. Mode selection
// happens once here, not at call sites.
func New(cfg Config, verifier *credential.Verifier, client *signnet.Client) (Executor, error) {
	switch cfg.Mode {
	case types.ExecutionModeRemote:
		return NewRemoteExecutor(cfg, client), nil
	case types.ExecutionModeLocal:
		return NewLocalExecutor(cfg, verifier, client), nil
	default:
		return nil, fmt.Errorf("unknown execution mode: %s", cfg.Mode)
	}
}

// validateRequest rejects structurally unusable requests before any network
// traffic.
func validateRequest(req *Request) error {
	if req == nil {
		return apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid sign request", "request is nil", 400)
	}
	if req.Credential == "" {
		return apperrors.CredentialFailure(apperrors.ErrCodeInvalidFormat, "credential is empty")
	}
	if len(req.Digest) != 32 {
		return apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid sign request", fmt.Sprintf("digest must be 32 bytes, got %d", len(req.Digest)), 400)
	}
	if req.PublicKey == "" {
		return apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid sign request", "public key is required", 400)
	}
	return nil
}
