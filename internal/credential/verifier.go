// Package credential validates bearer identity credentials against the
// issuer's published key set. Verification is a fixed sequence of checks,
// each with its own failure code: structure, decoding, key resolution,
// algorithm, signature, then claim windows. The same sequence runs in the
// operator's local pre-check and on the signing nodes; neither path may skip
// a step.
package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
)

// MaxCredentialAge bounds how old a credential may be regardless of its
// expiry claim. A token issued more than this long ago is rejected even when
// exp is far in the future.
const MaxCredentialAge = 24 * time.Hour

// Claims is the validated output of a successful verification. RawToken is
// echoed so the authorization binder and remote executor can forward the
// exact credential that was checked.
type Claims struct {
	Subject   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RawToken  string
}

// Verifier validates bearer credentials against one issuer's key set.
type Verifier struct {
	fetcher *Fetcher

	// now is swappable for deterministic window tests.
	now func() time.Time
}

// NewVerifier creates a verifier backed by the given key-set fetcher.
func NewVerifier(fetcher *Fetcher) *Verifier {
	return &Verifier{
		fetcher: fetcher,
		now:     time.Now,
	}
}

// header is the decoded first segment of a credential.
type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Typ string `json:"typ,omitempty"`
}

// payload is the decoded claim set of a credential. Numeric claims arrive as
// JSON numbers (unix seconds).
type payload struct {
	Subject   string   `json:"sub"`
	Issuer    string   `json:"iss"`
	IssuedAt  *float64 `json:"iat"`
	NotBefore *float64 `json:"nbf"`
	ExpiresAt *float64 `json:"exp"`
}

// Verify runs the full verification sequence over a raw bearer token and
// returns the validated claims. Every failure carries one taxonomy code; the
// order of checks is fixed and every check is mandatory.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	// Step 1: structural check. Exactly three non-empty dot segments.
	segments := strings.Split(rawToken, ".")
	if len(segments) != 3 {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeInvalidFormat,
			fmt.Sprintf("credential has %d segments, want 3", len(segments)))
	}
	for i, seg := range segments {
		if seg == "" {
			return nil, apperrors.CredentialFailure(apperrors.ErrCodeInvalidFormat,
				fmt.Sprintf("credential segment %d is empty", i))
		}
	}

	// Step 2: decode header and payload.
	headerBytes, err := decodeSegment(segments[0])
	if err != nil {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeDecodeFailure,
			fmt.Sprintf("header: %v", err))
	}
	var hdr header
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeDecodeFailure,
			fmt.Sprintf("header: %v", err))
	}

	payloadBytes, err := decodeSegment(segments[1])
	if err != nil {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeDecodeFailure,
			fmt.Sprintf("payload: %v", err))
	}
	var claims payload
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeDecodeFailure,
			fmt.Sprintf("payload: %v", err))
	}

	// Step 3: resolve the verification key from the issuer's key set. The
	// fetch is mandatory; there is no claims-only degraded mode.
	keySet, err := v.fetcher.Get(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := keySet.KeyFor(hdr.Kid)
	if err != nil {
		return nil, err
	}

	// Step 4: only RS256 is accepted. "none" and HMAC variants are rejected
	// before any verification attempt so an attacker cannot steer key use.
	if hdr.Alg != jwt.SigningMethodRS256.Alg() {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeUnsupportedAlgorithm,
			fmt.Sprintf("algorithm %q not accepted", hdr.Alg))
	}

	// Step 5: cryptographic signature verification over header.payload.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if err != nil || !token.Valid {
		detail := "signature does not verify"
		if err != nil {
			detail = err.Error()
		}
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeSignatureInvalid, detail)
	}

	// Step 6: claim validation, each window violation its own failure.
	now := v.now()

	if claims.ExpiresAt == nil || !now.Before(unixTime(*claims.ExpiresAt)) {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeExpired,
			"credential is expired or carries no expiry")
	}
	if claims.IssuedAt != nil && unixTime(*claims.IssuedAt).After(now) {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeNotYetValid,
			"credential issued in the future")
	}
	if claims.NotBefore != nil && unixTime(*claims.NotBefore).After(now) {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeNotYetValid,
			"credential not yet valid")
	}
	if claims.IssuedAt != nil && now.Sub(unixTime(*claims.IssuedAt)) > MaxCredentialAge {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeTooOld,
			fmt.Sprintf("credential issued more than %s ago", MaxCredentialAge))
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, apperrors.CredentialFailure(apperrors.ErrCodeMissingSubject,
			"credential carries no subject claim")
	}

	out := &Claims{
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		ExpiresAt: unixTime(*claims.ExpiresAt),
		RawToken:  rawToken,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = unixTime(*claims.IssuedAt)
	}
	return out, nil
}

// decodeSegment decodes a base64url segment, padding to a 4-byte boundary
// before standard decoding.
func decodeSegment(seg string) ([]byte, error) {
	if pad := len(seg) % 4; pad != 0 {
		seg += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(seg)
}

func unixTime(secs float64) time.Time {
	return time.Unix(int64(secs), 0)
}
