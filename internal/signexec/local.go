package signexec

import (
	"context"

	"github.com/covenant-wallet/covenant/internal/credential"
	"github.com/covenant-wallet/covenant/internal/logger"
	"github.com/covenant-wallet/covenant/internal/metrics"
	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/pkg/authid"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
	"github.com/covenant-wallet/covenant/pkg/types"
)

// LocalExecutor runs credential verification and authorization binding on
// the operator's own infrastructure, then requests a plain threshold sign.
// An operator that controls this process and its network credentials could
// skip the checks entirely, so this mode is strictly weaker than remote
// execution. Construction logs the degraded trust model; it is never a
// silent default or an automatic fallback.
type LocalExecutor struct {
	cfg      Config
	verifier *credential.Verifier
	client   *signnet.Client
}

// NewLocalExecutor creates the local-mode executor.
func NewLocalExecutor(cfg Config, verifier *credential.Verifier, client *signnet.Client) *LocalExecutor {
	logger.Component("signexec").Warn(
		"local execution mode configured: credential checks run on operator infrastructure, lower trust than remote mode")
	return &LocalExecutor{cfg: cfg, verifier: verifier, client: client}
}

// Mode reports the execution mode.
func (e *LocalExecutor) Mode() string {
	return types.ExecutionModeLocal
}

// VerifyAndSign verifies the credential in-process, binds authorization with
// the same pure derivation the nodes use, and only then requests a
// signature. Check order matches the remote program exactly.
func (e *LocalExecutor) VerifyAndSign(ctx context.Context, req *Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		metrics.RecordSignRequest(e.Mode(), "rejected")
		return nil, err
	}

	claims, err := e.verifier.Verify(ctx, req.Credential)
	if err != nil {
		metrics.RecordSignRequest(e.Mode(), "rejected")
		logger.Debug(ctx, "local credential verification rejected",
			"credential", logger.RedactToken(req.Credential),
			"error", err,
		)
		return nil, err
	}

	if !authid.Bind(claims.Subject, req.ClaimedAuthorizationID) {
		metrics.RecordSignRequest(e.Mode(), "rejected")
		return nil, apperrors.Unauthorized("subject does not resolve to the claimed authorization id")
	}

	share, err := e.client.Sign(ctx, req.PublicKey, req.Digest, signnet.ScopeSignAny)
	if err != nil {
		metrics.RecordSignRequest(e.Mode(), "upstream_error")
		return nil, err
	}

	sig, err := ethsig.Normalize(*share)
	if err != nil {
		metrics.RecordSignRequest(e.Mode(), "malformed_share")
		return nil, err
	}

	metrics.RecordSignRequest(e.Mode(), "ok")
	return &Result{Signature: sig, Subject: claims.Subject}, nil
}
