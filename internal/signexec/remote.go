package signexec

import (
	"context"
	"encoding/hex"

	"github.com/covenant-wallet/covenant/internal/logger"
	"github.com/covenant-wallet/covenant/internal/metrics"
	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
	"github.com/covenant-wallet/covenant/pkg/types"
)

// RemoteExecutor ships credential verification and authorization binding to
// the signing nodes as one atomic program invocation. The operator supplies
// only the request parameters and its envelope signature; it observes the
// verification outcome solely through the opaque structured result, so a
// compromised operator cannot produce a signature without a valid user
// credential.
type RemoteExecutor struct {
	cfg    Config
	client *signnet.Client
}

// NewRemoteExecutor creates the remote-mode executor.
func NewRemoteExecutor(cfg Config, client *signnet.Client) *RemoteExecutor {
	return &RemoteExecutor{cfg: cfg, client: client}
}

// Mode reports the execution mode.
func (e *RemoteExecutor) Mode() string {
	return types.ExecutionModeRemote
}

// VerifyAndSign invokes the verify-and-sign program on the nodes and
// normalizes the agreed signature share.
func (e *RemoteExecutor) VerifyAndSign(ctx context.Context, req *Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		metrics.RecordSignRequest(e.Mode(), "rejected")
		return nil, err
	}

	inv := signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
		Credential:             req.Credential,
		ClaimedAuthorizationID: req.ClaimedAuthorizationID,
		Digest:                 "0x" + hex.EncodeToString(req.Digest),
		PublicKey:              req.PublicKey,
		IssuerEnv:              e.cfg.IssuerEnv,
		IssuerJWKSURL:          e.cfg.IssuerJWKSURL,
	})

	result, err := e.client.ExecuteRemote(ctx, inv)
	if err != nil {
		metrics.RecordSignRequest(e.Mode(), "rejected")
		logger.Debug(ctx, "remote verify-and-sign rejected",
			"credential", logger.RedactToken(req.Credential),
			"error", err,
		)
		return nil, err
	}

	sig, err := ethsig.Normalize(*result.Share)
	if err != nil {
		metrics.RecordSignRequest(e.Mode(), "malformed_share")
		return nil, err
	}

	metrics.RecordSignRequest(e.Mode(), "ok")
	return &Result{Signature: sig, Subject: result.Subject}, nil
}
