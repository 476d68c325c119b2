package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/tests/mocks"
)

const testSubject = "user@example.com"

func newTestVerifier(t *testing.T) (*Verifier, *mocks.JWKSServer) {
	t.Helper()

	issuer := mocks.NewJWKSServer("https://issuer.test")
	_, err := issuer.AddKey("key-1")
	require.NoError(t, err)
	t.Cleanup(issuer.Close)

	return NewVerifier(NewFetcher(issuer.URL(), time.Minute)), issuer
}

// failureCode extracts the taxonomy code from a verification error.
func failureCode(t *testing.T, err error) string {
	t.Helper()
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok, "expected an AppError, got %v", err)
	return appErr.Code
}

func TestVerify_ValidCredential(t *testing.T) {
	v, issuer := newTestVerifier(t)

	token, err := issuer.ValidCredential(testSubject)
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, testSubject, claims.Subject)
	assert.Equal(t, "https://issuer.test", claims.Issuer)
	assert.Equal(t, token, claims.RawToken)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestVerify_StructuralFailures(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	t.Run("wrong segment count", func(t *testing.T) {
		_, err := v.Verify(ctx, "only.two")
		assert.Equal(t, apperrors.ErrCodeInvalidFormat, failureCode(t, err))
	})

	t.Run("empty segment", func(t *testing.T) {
		_, err := v.Verify(ctx, "a..c")
		assert.Equal(t, apperrors.ErrCodeInvalidFormat, failureCode(t, err))
	})

	t.Run("undecodable header", func(t *testing.T) {
		_, err := v.Verify(ctx, "!!!.e30.c2ln")
		assert.Equal(t, apperrors.ErrCodeDecodeFailure, failureCode(t, err))
	})

	t.Run("undecodable payload", func(t *testing.T) {
		_, err := v.Verify(ctx, "e30.!!!.c2ln")
		assert.Equal(t, apperrors.ErrCodeDecodeFailure, failureCode(t, err))
	})
}

func TestVerify_KeyResolution(t *testing.T) {
	t.Run("issuer outage is retryable, not a credential rejection", func(t *testing.T) {
		issuer := mocks.NewJWKSServer("https://issuer.test")
		_, err := issuer.AddKey("key-1")
		require.NoError(t, err)
		defer issuer.Close()

		token, err := issuer.ValidCredential(testSubject)
		require.NoError(t, err)

		issuer.SetShouldFail(true)

		v := NewVerifier(NewFetcher(issuer.URL(), time.Minute))
		_, err = v.Verify(context.Background(), token)
		assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, failureCode(t, err))
		assert.True(t, apperrors.IsRetryable(err))
		assert.False(t, apperrors.IsCredentialFailure(err))
	})

	t.Run("fetched key set with no usable key is terminal", func(t *testing.T) {
		signing := mocks.NewJWKSServer("https://issuer.test")
		_, err := signing.AddKey("key-1")
		require.NoError(t, err)
		defer signing.Close()

		// A reachable issuer publishing zero keys: the fetch succeeds, key
		// resolution cannot.
		keyless := mocks.NewJWKSServer("https://issuer.test")
		defer keyless.Close()

		token, err := signing.ValidCredential(testSubject)
		require.NoError(t, err)

		v := NewVerifier(NewFetcher(keyless.URL(), time.Minute))
		_, err = v.Verify(context.Background(), token)
		assert.Equal(t, apperrors.ErrCodeNoVerificationKey, failureCode(t, err))
		assert.False(t, apperrors.IsRetryable(err))
		assert.True(t, apperrors.IsCredentialFailure(err))
	})
}

func TestVerify_AlgorithmRejection(t *testing.T) {
	v, issuer := newTestVerifier(t)
	ctx := context.Background()

	t.Run("alg none is refused", func(t *testing.T) {
		token := issuer.NoneAlgorithmCredential(testSubject)
		// Two segments plus an empty signature fails the structural check
		// before the algorithm is even read.
		_, err := v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeInvalidFormat, failureCode(t, err))
	})

	t.Run("HS256 with published key bytes as secret is refused", func(t *testing.T) {
		token, err := issuer.HS256Credential(testSubject)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeUnsupportedAlgorithm, failureCode(t, err))
	})
}

func TestVerify_SignatureFailure(t *testing.T) {
	v, issuer := newTestVerifier(t)
	ctx := context.Background()

	t.Run("signed by a key outside the key set", func(t *testing.T) {
		token, err := issuer.WrongKeyCredential(testSubject)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeSignatureInvalid, failureCode(t, err))
	})

	t.Run("tampered payload", func(t *testing.T) {
		token, err := issuer.ValidCredential(testSubject)
		require.NoError(t, err)

		tampered := token[:len(token)-6] + "aaaaaa"
		_, err = v.Verify(ctx, tampered)
		assert.Equal(t, apperrors.ErrCodeSignatureInvalid, failureCode(t, err))
	})
}

func TestVerify_ClaimWindows(t *testing.T) {
	v, issuer := newTestVerifier(t)
	ctx := context.Background()

	t.Run("expired credential", func(t *testing.T) {
		token, err := issuer.ExpiredCredential(testSubject)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeExpired, failureCode(t, err))
	})

	t.Run("missing exp claim", func(t *testing.T) {
		token, err := issuer.SignCredential(map[string]interface{}{
			"sub": testSubject,
			"exp": nil,
		})
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeExpired, failureCode(t, err))
	})

	t.Run("issued in the future", func(t *testing.T) {
		token, err := issuer.SignCredential(map[string]interface{}{
			"sub": testSubject,
			"iat": time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeNotYetValid, failureCode(t, err))
	})

	t.Run("nbf in the future", func(t *testing.T) {
		token, err := issuer.NotYetValidCredential(testSubject)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeNotYetValid, failureCode(t, err))
	})

	t.Run("older than maximum age despite future exp", func(t *testing.T) {
		token, err := issuer.StaleCredential(testSubject)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeTooOld, failureCode(t, err))
	})

	t.Run("missing subject", func(t *testing.T) {
		token, err := issuer.MissingSubjectCredential()
		require.NoError(t, err)

		_, err = v.Verify(ctx, token)
		assert.Equal(t, apperrors.ErrCodeMissingSubject, failureCode(t, err))
	})
}

func TestVerify_ClockIsSwappable(t *testing.T) {
	v, issuer := newTestVerifier(t)

	token, err := issuer.ValidCredential(testSubject)
	require.NoError(t, err)

	// Move the verifier clock past the credential's expiry.
	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = v.Verify(context.Background(), token)
	assert.Equal(t, apperrors.ErrCodeExpired, failureCode(t, err))
}

func TestVerify_EveryFailureIsTerminal(t *testing.T) {
	v, issuer := newTestVerifier(t)
	ctx := context.Background()

	expired, err := issuer.ExpiredCredential(testSubject)
	require.NoError(t, err)

	for _, token := range []string{"bad", expired} {
		_, err := v.Verify(ctx, token)
		require.Error(t, err)
		assert.True(t, apperrors.IsCredentialFailure(err))
		assert.False(t, apperrors.IsRetryable(err))
	}
}
