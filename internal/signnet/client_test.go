package signnet_test

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/pkg/authid"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/tests/mocks"
)

func newTestNetwork(t *testing.T, n, threshold int) (*signnet.Client, *mocks.NodeNetwork, *ecdsa.PrivateKey) {
	t.Helper()

	operatorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	operator := ethcrypto.PubkeyToAddress(operatorKey.PublicKey)

	nw := mocks.NewNodeNetwork(n, "test-master-secret", operator)
	t.Cleanup(nw.Close)

	client, err := signnet.NewClient(signnet.Config{
		Network:   "custom",
		Nodes:     nw.URLs(),
		Threshold: threshold,
		Timeout:   5 * time.Second,
	}, operatorKey)
	require.NoError(t, err)

	return client, nw, operatorKey
}

// provision mints a set and grants the operator the signing scope bound to
// the subject's authorization id, the way the provisioning service does.
func provision(t *testing.T, client *signnet.Client, operatorKey *ecdsa.PrivateKey, subject string) *signnet.MintResult {
	t.Helper()
	ctx := context.Background()

	minted, err := client.Mint(ctx)
	require.NoError(t, err)

	operator := ethcrypto.PubkeyToAddress(operatorKey.PublicKey).Hex()
	require.NoError(t, client.GrantPermission(ctx, minted.TokenID, operator, signnet.ScopeSignAny, authid.FromSubject(subject)))
	return minted
}

func TestNewClient(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	t.Run("requires an operator key", func(t *testing.T) {
		_, err := signnet.NewClient(signnet.Config{Network: "devnet", Threshold: 2}, nil)
		assert.Error(t, err)
	})

	t.Run("named network supplies default nodes", func(t *testing.T) {
		client, err := signnet.NewClient(signnet.Config{Network: "devnet", Threshold: 2}, key)
		require.NoError(t, err)
		assert.NotNil(t, client)
	})

	t.Run("unknown network without explicit nodes", func(t *testing.T) {
		_, err := signnet.NewClient(signnet.Config{Network: "mystery", Threshold: 1}, key)
		assert.Error(t, err)
	})

	t.Run("threshold must fit the node count", func(t *testing.T) {
		for _, threshold := range []int{0, 4} {
			_, err := signnet.NewClient(signnet.Config{Network: "devnet", Threshold: threshold}, key)
			assert.Error(t, err, "threshold %d", threshold)
		}
	})
}

func TestMint(t *testing.T) {
	t.Run("honest nodes agree", func(t *testing.T) {
		client, _, _ := newTestNetwork(t, 3, 2)

		minted, err := client.Mint(context.Background())
		require.NoError(t, err)
		assert.Len(t, minted.TokenID, 2+64)    // 0x + keccak hash
		assert.Len(t, minted.PublicKey, 2+130) // 0x + uncompressed point
	})

	t.Run("one divergent node is outvoted", func(t *testing.T) {
		client, nw, _ := newTestNetwork(t, 3, 2)
		nw.Nodes[1].DivergentMint = true

		minted, err := client.Mint(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, minted.TokenID)
	})

	t.Run("below threshold is an upstream failure", func(t *testing.T) {
		client, nw, _ := newTestNetwork(t, 3, 2)
		nw.Nodes[0].FailAll = true
		nw.Nodes[1].FailAll = true

		_, err := client.Mint(context.Background())
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, appErr.Code)
		assert.True(t, apperrors.IsRetryable(err))
	})

	t.Run("split network cannot agree", func(t *testing.T) {
		client, nw, _ := newTestNetwork(t, 3, 2)
		nw.Nodes[0].DivergentMint = true
		nw.Nodes[2].FailAll = true

		// Two responses arrive but disagree; neither side reaches threshold.
		_, err := client.Mint(context.Background())
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, appErr.Code)
	})
}

func TestExecuteRemote(t *testing.T) {
	subject := "user@example.com"

	t.Run("verified credential yields a share", func(t *testing.T) {
		client, nw, operatorKey := newTestNetwork(t, 3, 2)
		minted := provision(t, client, operatorKey, subject)

		nw.SetVerify(func(string) (string, string) { return subject, "" })

		result, err := client.ExecuteRemote(context.Background(), signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
			Credential:             "opaque-token",
			ClaimedAuthorizationID: authid.FromSubject(subject),
			Digest:                 "0x" + repeatHex("5c", 32),
			PublicKey:              minted.PublicKey,
			IssuerEnv:              "custom",
		}))
		require.NoError(t, err)
		assert.Equal(t, signnet.StatusOK, result.Status)
		assert.Equal(t, subject, result.Subject)
		require.NotNil(t, result.Share)
		assert.NotEmpty(t, result.Share.Signature)
	})

	t.Run("node-side credential rejection maps to the taxonomy", func(t *testing.T) {
		client, nw, operatorKey := newTestNetwork(t, 3, 2)
		minted := provision(t, client, operatorKey, subject)

		nw.SetVerify(func(string) (string, string) { return "", apperrors.ErrCodeExpired })

		_, err := client.ExecuteRemote(context.Background(), signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
			Credential:             "expired-token",
			ClaimedAuthorizationID: authid.FromSubject(subject),
			Digest:                 "0x" + repeatHex("ab", 32),
			PublicKey:              minted.PublicKey,
		}))
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeExpired, appErr.Code)
		assert.True(t, apperrors.IsCredentialFailure(err))
	})

	t.Run("mismatched authorization binding is unauthorized", func(t *testing.T) {
		client, nw, operatorKey := newTestNetwork(t, 3, 2)
		minted := provision(t, client, operatorKey, subject)

		nw.SetVerify(func(string) (string, string) { return "other@example.com", "" })

		_, err := client.ExecuteRemote(context.Background(), signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
			Credential:             "valid-but-wrong-user",
			ClaimedAuthorizationID: authid.FromSubject(subject),
			Digest:                 "0x" + repeatHex("cd", 32),
			PublicKey:              minted.PublicKey,
		}))
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, appErr.Code)
	})

	t.Run("subject outside the node-recorded binding set is refused", func(t *testing.T) {
		client, nw, operatorKey := newTestNetwork(t, 3, 2)
		minted := provision(t, client, operatorKey, subject)

		// The credential verifies and its claimed id matches its own
		// subject, but the nodes recorded a different binding for this
		// key-share set at grant time. A consistent credential+claim pair
		// for the wrong identity must not produce a share.
		intruder := "intruder@example.com"
		nw.SetVerify(func(string) (string, string) { return intruder, "" })

		_, err := client.ExecuteRemote(context.Background(), signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
			Credential:             "intruder-own-token",
			ClaimedAuthorizationID: authid.FromSubject(intruder),
			Digest:                 "0x" + repeatHex("7e", 32),
			PublicKey:              minted.PublicKey,
		}))
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, appErr.Code)
		assert.False(t, apperrors.IsRetryable(err))
	})

	t.Run("permitted additional subject can sign", func(t *testing.T) {
		client, nw, operatorKey := newTestNetwork(t, 3, 2)
		minted := provision(t, client, operatorKey, subject)

		second := "teammate@example.com"
		require.NoError(t, client.PermitAuthorization(context.Background(), minted.TokenID, authid.FromSubject(second)))

		nw.SetVerify(func(string) (string, string) { return second, "" })

		result, err := client.ExecuteRemote(context.Background(), signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
			Credential:             "teammate-token",
			ClaimedAuthorizationID: authid.FromSubject(second),
			Digest:                 "0x" + repeatHex("2f", 32),
			PublicKey:              minted.PublicKey,
		}))
		require.NoError(t, err)
		assert.Equal(t, signnet.StatusOK, result.Status)
		require.NotNil(t, result.Share)
	})

	t.Run("protocol violators are discarded before counting", func(t *testing.T) {
		client, nw, operatorKey := newTestNetwork(t, 3, 2)
		minted := provision(t, client, operatorKey, subject)

		nw.SetVerify(func(string) (string, string) { return "", apperrors.ErrCodeExpired })
		nw.Nodes[0].ShareOnFailure = true
		nw.Nodes[1].ShareOnFailure = true

		// Two of three responses carry share material on a failing result;
		// both are dropped, leaving one honest response below threshold.
		_, err := client.ExecuteRemote(context.Background(), signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
			Credential:             "expired-token",
			ClaimedAuthorizationID: authid.FromSubject(subject),
			Digest:                 "0x" + repeatHex("ef", 32),
			PublicKey:              minted.PublicKey,
		}))
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, appErr.Code)
	})

	t.Run("nodes refusing the program version", func(t *testing.T) {
		client, nw, operatorKey := newTestNetwork(t, 3, 3)
		minted := provision(t, client, operatorKey, subject)

		for _, n := range nw.Nodes {
			n.RefuseProgramV2 = true
		}

		_, err := client.ExecuteRemote(context.Background(), signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
			Credential:             "token",
			ClaimedAuthorizationID: authid.FromSubject(subject),
			Digest:                 "0x" + repeatHex("01", 32),
			PublicKey:              minted.PublicKey,
		}))
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, appErr.Code)
	})
}

func TestSign(t *testing.T) {
	t.Run("granted token signs a digest", func(t *testing.T) {
		client, _, operatorKey := newTestNetwork(t, 3, 2)
		minted := provision(t, client, operatorKey, "user@example.com")

		digest := ethcrypto.Keccak256([]byte("message"))
		share, err := client.Sign(context.Background(), minted.PublicKey, digest, "local-verified")
		require.NoError(t, err)
		assert.NotEmpty(t, share.Signature)
	})

	t.Run("digest must be 32 bytes", func(t *testing.T) {
		client, _, _ := newTestNetwork(t, 3, 2)
		_, err := client.Sign(context.Background(), "0x04aa", []byte("short"), "")
		assert.Error(t, err)
	})

	t.Run("ungranted token is refused", func(t *testing.T) {
		client, _, _ := newTestNetwork(t, 3, 2)

		minted, err := client.Mint(context.Background())
		require.NoError(t, err)

		digest := ethcrypto.Keccak256([]byte("message"))
		_, err = client.Sign(context.Background(), minted.PublicKey, digest, "")
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, appErr.Code)
	})
}

func TestEnvelopeEnforcement(t *testing.T) {
	operatorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	operator := ethcrypto.PubkeyToAddress(operatorKey.PublicKey)

	nw := mocks.NewNodeNetwork(3, "test-master-secret", operator)
	defer nw.Close()

	// A client holding a different key produces envelopes the nodes refuse.
	impostorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	client, err := signnet.NewClient(signnet.Config{
		Network:   "custom",
		Nodes:     nw.URLs(),
		Threshold: 2,
		Timeout:   5 * time.Second,
	}, impostorKey)
	require.NoError(t, err)

	_, err = client.Mint(context.Background())
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, appErr.Code)
}

func repeatHex(pair string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += pair
	}
	return out
}
