package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Credential verification failure codes, one per verification step.
// Ordering of the steps themselves lives in internal/credential.
const (
	ErrCodeInvalidFormat        = "invalid_format"
	ErrCodeDecodeFailure        = "decode_failure"
	ErrCodeNoVerificationKey    = "no_verification_key"
	ErrCodeUnsupportedAlgorithm = "unsupported_algorithm"
	ErrCodeSignatureInvalid     = "signature_invalid"
	ErrCodeExpired              = "expired"
	ErrCodeNotYetValid          = "not_yet_valid"
	ErrCodeTooOld               = "too_old"
	ErrCodeMissingSubject       = "missing_subject"
)

// Authorization, provisioning and assembly codes
const (
	ErrCodeUnauthorized            = "unauthorized"
	ErrCodeUpstreamUnavailable     = "upstream_unavailable"
	ErrCodeProvisioningPartial     = "provisioning_partial"
	ErrCodeMalformedSignatureShape = "malformed_signature_shape"
)

// Common service error codes
const (
	ErrCodeForbidden            = "forbidden"
	ErrCodeNotFound             = "not_found"
	ErrCodeBadRequest           = "bad_request"
	ErrCodeConflict             = "conflict"
	ErrCodeRateLimited          = "rate_limited"
	ErrCodeInternalError        = "internal_error"
	ErrCodeWalletNotFound       = "wallet_not_found"
	ErrCodeIdempotencyKeyReused = "idempotency_key_reused"
)

// Predefined errors
var (
	ErrUnauthorized = &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Unauthorized",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       ErrCodeForbidden,
		Message:    "Access denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       ErrCodeBadRequest,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrConflict = &AppError{
		Code:       ErrCodeConflict,
		Message:    "Request conflict",
		StatusCode: http.StatusConflict,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// CredentialFailure creates an error for a failed credential verification step.
// The code must be one of the credential verification codes above.
func CredentialFailure(code, detail string) *AppError {
	return &AppError{
		Code:       code,
		Message:    "Credential verification failed",
		Detail:     detail,
		StatusCode: http.StatusUnauthorized,
	}
}

// Unauthorized creates an authorization-binding rejection.
// Detail is for internal logs only; external responses are redacted.
func Unauthorized(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Unauthorized",
		Detail:     detail,
		StatusCode: http.StatusUnauthorized,
	}
}

// UpstreamUnavailable creates a retryable upstream failure error.
// This is the only error class callers may retry (with backoff).
func UpstreamUnavailable(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeUpstreamUnavailable,
		Message:    "Upstream service unavailable",
		Detail:     detail,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// ProvisioningPartial reports that minting succeeded but the operator grant
// failed. The key-share set exists on the network and must not be re-minted;
// it needs manual remediation before it can sign.
func ProvisioningPartial(tokenID, detail string) *AppError {
	return &AppError{
		Code:       ErrCodeProvisioningPartial,
		Message:    "Key-share set minted but permission grant failed",
		Detail:     fmt.Sprintf("token_id: %s; %s", tokenID, detail),
		StatusCode: http.StatusConflict,
	}
}

// MalformedSignatureShape reports an unrecognized raw signature payload from
// the signing network. Never guessed at; always a hard error.
func MalformedSignatureShape(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeMalformedSignatureShape,
		Message:    "Unrecognized signature shape",
		Detail:     detail,
		StatusCode: http.StatusBadGateway,
	}
}

// WalletNotFound creates a wallet not found error
func WalletNotFound(ref string) *AppError {
	return &AppError{
		Code:       ErrCodeWalletNotFound,
		Message:    "Wallet not found",
		Detail:     fmt.Sprintf("token_id: %s", ref),
		StatusCode: http.StatusNotFound,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCredentialFailure reports whether the error is a credential verification
// or authorization-binding rejection. These are terminal: never retried and
// collapsed to a generic unauthorized body on the external surface.
func IsCredentialFailure(err error) bool {
	appErr, ok := IsAppError(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case ErrCodeInvalidFormat, ErrCodeDecodeFailure, ErrCodeNoVerificationKey,
		ErrCodeUnsupportedAlgorithm, ErrCodeSignatureInvalid, ErrCodeExpired,
		ErrCodeNotYetValid, ErrCodeTooOld, ErrCodeMissingSubject, ErrCodeUnauthorized:
		return true
	}
	return false
}

// IsRetryable reports whether the caller may retry the request. Only upstream
// availability failures qualify; security rejections never do.
func IsRetryable(err error) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == ErrCodeUpstreamUnavailable
}
