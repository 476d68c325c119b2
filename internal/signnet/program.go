package signnet

import (
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
)

// The verify-and-sign program is a versioned protocol contract executed on
// the signing nodes. The operator constructs its parameters and interprets
// its structured result; the program's internal execution is opaque to the
// operator. Changing the program's observable behavior requires a version
// bump on both sides.
const (
	ProgramVerifyAndSign = "verify-and-sign"

	// ProgramVersion is the current contract version. Version 1 accepted
	// unsigned claims; it is known-insecure and nodes refuse it.
	ProgramVersion = 2
)

// Program result statuses.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// VerifyAndSignParams are the inputs shipped to the nodes for one program
// invocation. The nodes re-run credential verification and authorization
// binding from scratch on these inputs; nothing the operator verified
// locally is trusted. The binding check is two-sided: the verified subject
// must hash to ClaimedAuthorizationID, and that hash must be among the
// authorization ids the nodes themselves recorded for the key-share set at
// grant/permit time. A valid credential the operator happens to hold for
// some other identity satisfies neither half.
type VerifyAndSignParams struct {
	Credential             string `json:"credential"`
	ClaimedAuthorizationID string `json:"claimed_authorization_id"`
	Digest                 string `json:"digest"`
	PublicKey              string `json:"public_key"`
	IssuerEnv              string `json:"issuer_env"`
	IssuerJWKSURL          string `json:"issuer_jwks_url,omitempty"`
}

// ProgramInvocation is the wire form of one remote execution request.
type ProgramInvocation struct {
	ProgramID string              `json:"program_id"`
	Version   int                 `json:"version"`
	Params    VerifyAndSignParams `json:"params"`
}

// NewVerifyAndSign builds the current-version invocation.
func NewVerifyAndSign(params VerifyAndSignParams) ProgramInvocation {
	return ProgramInvocation{
		ProgramID: ProgramVerifyAndSign,
		Version:   ProgramVersion,
		Params:    params,
	}
}

// ExecuteResult is one node's structured program result. On failure Reason
// carries a taxonomy code and Share must be absent; a failing result that
// nonetheless carries share material is a protocol violation and the client
// discards it.
type ExecuteResult struct {
	Status  string               `json:"status"`
	Reason  string               `json:"reason,omitempty"`
	Subject string               `json:"subject,omitempty"`
	Share   *ethsig.RawSignature `json:"share,omitempty"`
}

// failReasonError maps a program failure reason to the caller-facing error.
// Credential and authorization rejections stay terminal; anything
// unrecognized is treated as an upstream fault so callers may retry.
func failReasonError(reason string) *apperrors.AppError {
	switch reason {
	case apperrors.ErrCodeInvalidFormat,
		apperrors.ErrCodeDecodeFailure,
		apperrors.ErrCodeNoVerificationKey,
		apperrors.ErrCodeUnsupportedAlgorithm,
		apperrors.ErrCodeSignatureInvalid,
		apperrors.ErrCodeExpired,
		apperrors.ErrCodeNotYetValid,
		apperrors.ErrCodeTooOld,
		apperrors.ErrCodeMissingSubject:
		return apperrors.CredentialFailure(reason, "rejected by signing nodes")
	case apperrors.ErrCodeUnauthorized:
		return apperrors.Unauthorized("rejected by signing nodes")
	default:
		return apperrors.UpstreamUnavailable("signing nodes returned unrecognized failure: " + reason)
	}
}
