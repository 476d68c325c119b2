package signexec_test

import (
	"context"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-wallet/covenant/internal/credential"
	"github.com/covenant-wallet/covenant/internal/signexec"
	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/pkg/authid"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
	"github.com/covenant-wallet/covenant/pkg/types"
	"github.com/covenant-wallet/covenant/tests/mocks"
)

const subject = "user@example.com"

// stack is the full signing fixture: an issuer, a three-node network with a
// provisioned key-share set, and the network client.
type stack struct {
	issuer  *mocks.JWKSServer
	network *mocks.NodeNetwork
	client  *signnet.Client
	minted  *signnet.MintResult
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	issuer := mocks.NewJWKSServer("https://issuer.test")
	_, err := issuer.AddKey("key-1")
	require.NoError(t, err)
	t.Cleanup(issuer.Close)

	operatorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	operator := ethcrypto.PubkeyToAddress(operatorKey.PublicKey)

	network := mocks.NewNodeNetwork(3, "executor-test-secret", operator)
	t.Cleanup(network.Close)

	client, err := signnet.NewClient(signnet.Config{
		Network:   "custom",
		Nodes:     network.URLs(),
		Threshold: 2,
		Timeout:   5 * time.Second,
	}, operatorKey)
	require.NoError(t, err)

	minted, err := client.Mint(ctx)
	require.NoError(t, err)
	require.NoError(t, client.GrantPermission(ctx, minted.TokenID, operator.Hex(), signnet.ScopeSignAny, authid.FromSubject(subject)))

	// Node-side verification mirrors the operator's verifier, backed by the
	// same issuer key set.
	verifier := credential.NewVerifier(credential.NewFetcher(issuer.URL(), time.Minute))
	network.SetVerify(func(cred string) (string, string) {
		claims, err := verifier.Verify(ctx, cred)
		if err != nil {
			if appErr, ok := apperrors.IsAppError(err); ok {
				return "", appErr.Code
			}
			return "", apperrors.ErrCodeSignatureInvalid
		}
		return claims.Subject, ""
	})

	return &stack{issuer: issuer, network: network, client: client, minted: minted}
}

func (s *stack) verifier() *credential.Verifier {
	return credential.NewVerifier(credential.NewFetcher(s.issuer.URL(), time.Minute))
}

func (s *stack) request(t *testing.T, token string) *signexec.Request {
	t.Helper()
	return &signexec.Request{
		Credential:             token,
		ClaimedAuthorizationID: authid.FromSubject(subject),
		Digest:                 ethcrypto.Keccak256([]byte("payload")),
		PublicKey:              s.minted.PublicKey,
	}
}

// expectedSigner is the address the network's key-share set signs as.
func (s *stack) expectedSigner(t *testing.T) string {
	t.Helper()
	key, err := s.network.TokenKey(s.minted.TokenID)
	require.NoError(t, err)
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestNew_ModeSelection(t *testing.T) {
	s := newStack(t)

	remote, err := signexec.New(signexec.Config{Mode: types.ExecutionModeRemote}, nil, s.client)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionModeRemote, remote.Mode())

	local, err := signexec.New(signexec.Config{Mode: types.ExecutionModeLocal}, s.verifier(), s.client)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionModeLocal, local.Mode())

	_, err = signexec.New(signexec.Config{Mode: "hybrid"}, nil, nil)
	assert.Error(t, err)
}

func TestVerifyAndSign_RequestValidation(t *testing.T) {
	s := newStack(t)
	exec := signexec.NewRemoteExecutor(signexec.Config{Mode: types.ExecutionModeRemote}, s.client)
	ctx := context.Background()

	t.Run("nil request", func(t *testing.T) {
		_, err := exec.VerifyAndSign(ctx, nil)
		assert.Error(t, err)
	})

	t.Run("empty credential", func(t *testing.T) {
		req := s.request(t, "")
		_, err := exec.VerifyAndSign(ctx, req)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeInvalidFormat, appErr.Code)
	})

	t.Run("wrong digest length", func(t *testing.T) {
		req := s.request(t, "token")
		req.Digest = []byte("short")
		_, err := exec.VerifyAndSign(ctx, req)
		assert.Error(t, err)
	})

	t.Run("missing public key", func(t *testing.T) {
		req := s.request(t, "token")
		req.PublicKey = ""
		_, err := exec.VerifyAndSign(ctx, req)
		assert.Error(t, err)
	})
}

func TestRemoteExecutor_VerifyAndSign(t *testing.T) {
	s := newStack(t)
	exec := signexec.NewRemoteExecutor(signexec.Config{
		Mode:          types.ExecutionModeRemote,
		IssuerEnv:     "custom",
		IssuerJWKSURL: s.issuer.URL(),
	}, s.client)
	ctx := context.Background()

	t.Run("valid credential produces a recoverable signature", func(t *testing.T) {
		token, err := s.issuer.ValidCredential(subject)
		require.NoError(t, err)

		req := s.request(t, token)
		result, err := exec.VerifyAndSign(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, subject, result.Subject)

		signer, err := ethsig.RecoverAddress(req.Digest, result.Signature)
		require.NoError(t, err)
		assert.Equal(t, s.expectedSigner(t), signer.Hex())
	})

	t.Run("expired credential is rejected node-side", func(t *testing.T) {
		token, err := s.issuer.ExpiredCredential(subject)
		require.NoError(t, err)

		result, err := exec.VerifyAndSign(ctx, s.request(t, token))
		require.Error(t, err)
		assert.Nil(t, result)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeExpired, appErr.Code)
	})

	t.Run("wrong claimed authorization id is unauthorized", func(t *testing.T) {
		token, err := s.issuer.ValidCredential("someone-else@example.com")
		require.NoError(t, err)

		result, err := exec.VerifyAndSign(ctx, s.request(t, token))
		require.Error(t, err)
		assert.Nil(t, result)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, appErr.Code)
	})

	t.Run("unreachable network is retryable upstream failure", func(t *testing.T) {
		for _, n := range s.network.Nodes {
			n.FailAll = true
		}
		t.Cleanup(func() {
			for _, n := range s.network.Nodes {
				n.FailAll = false
			}
		})

		token, err := s.issuer.ValidCredential(subject)
		require.NoError(t, err)

		_, err = exec.VerifyAndSign(ctx, s.request(t, token))
		require.Error(t, err)
		assert.True(t, apperrors.IsRetryable(err))
	})
}

func TestLocalExecutor_VerifyAndSign(t *testing.T) {
	s := newStack(t)
	exec := signexec.NewLocalExecutor(signexec.Config{
		Mode:      types.ExecutionModeLocal,
		IssuerEnv: "custom",
	}, s.verifier(), s.client)
	ctx := context.Background()

	t.Run("verifies locally then signs", func(t *testing.T) {
		token, err := s.issuer.ValidCredential(subject)
		require.NoError(t, err)

		req := s.request(t, token)
		result, err := exec.VerifyAndSign(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, subject, result.Subject)

		signer, err := ethsig.RecoverAddress(req.Digest, result.Signature)
		require.NoError(t, err)
		assert.Equal(t, s.expectedSigner(t), signer.Hex())
	})

	t.Run("rejects before any signing traffic", func(t *testing.T) {
		// With the whole network down, a credential failure must surface as
		// the credential failure, proving verification precedes signing.
		for _, n := range s.network.Nodes {
			n.FailAll = true
		}
		t.Cleanup(func() {
			for _, n := range s.network.Nodes {
				n.FailAll = false
			}
		})

		token, err := s.issuer.ExpiredCredential(subject)
		require.NoError(t, err)

		_, err = exec.VerifyAndSign(ctx, s.request(t, token))
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeExpired, appErr.Code)
	})

	t.Run("binding mismatch is unauthorized", func(t *testing.T) {
		token, err := s.issuer.ValidCredential("someone-else@example.com")
		require.NoError(t, err)

		_, err = exec.VerifyAndSign(ctx, s.request(t, token))
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, appErr.Code)
	})

	t.Run("both modes sign as the same key-share set", func(t *testing.T) {
		remote := signexec.NewRemoteExecutor(signexec.Config{
			Mode:          types.ExecutionModeRemote,
			IssuerEnv:     "custom",
			IssuerJWKSURL: s.issuer.URL(),
		}, s.client)

		token, err := s.issuer.ValidCredential(subject)
		require.NoError(t, err)

		req := s.request(t, token)
		localResult, err := exec.VerifyAndSign(ctx, req)
		require.NoError(t, err)
		remoteResult, err := remote.VerifyAndSign(ctx, req)
		require.NoError(t, err)

		localSigner, err := ethsig.RecoverAddress(req.Digest, localResult.Signature)
		require.NoError(t, err)
		remoteSigner, err := ethsig.RecoverAddress(req.Digest, remoteResult.Signature)
		require.NoError(t, err)
		assert.Equal(t, localSigner, remoteSigner)
	})
}
