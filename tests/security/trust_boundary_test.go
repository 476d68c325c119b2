//go:build security

// Package security verifies the signing trust boundaries: no signature
// material leaves the system without a verified credential and a matching
// authorization binding, and node envelopes cannot be forged or tampered.
//
// Run with: go test -v -tags=security ./tests/security/...
package security

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-wallet/covenant/internal/credential"
	"github.com/covenant-wallet/covenant/internal/signexec"
	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/pkg/auth"
	"github.com/covenant-wallet/covenant/pkg/authid"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
	"github.com/covenant-wallet/covenant/pkg/types"
	"github.com/covenant-wallet/covenant/tests/helpers"
	"github.com/covenant-wallet/covenant/tests/mocks"
)

const victim = "victim@example.com"

type env struct {
	issuer   *mocks.JWKSServer
	network  *mocks.NodeNetwork
	client   *signnet.Client
	executor signexec.Executor
	minted   *signnet.MintResult
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	issuer := mocks.NewJWKSServer("https://issuer.test")
	_, err := issuer.AddKey("key-1")
	require.NoError(t, err)
	t.Cleanup(issuer.Close)

	operatorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	operator := ethcrypto.PubkeyToAddress(operatorKey.PublicKey)

	network := mocks.NewNodeNetwork(3, "security-test-secret", operator)
	t.Cleanup(network.Close)

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

	client, err := signnet.NewClient(signnet.Config{
		Network:   "custom",
		Nodes:     network.URLs(),
		Threshold: 2,
		Timeout:   5 * time.Second,
	}, operatorKey)
	require.NoError(t, err)

	minted, err := client.Mint(ctx)
	require.NoError(t, err)
	require.NoError(t, client.GrantPermission(ctx, minted.TokenID, operator.Hex(), signnet.ScopeSignAny, authid.FromSubject(victim)))

	executor := signexec.NewRemoteExecutor(signexec.Config{
		Mode:          types.ExecutionModeRemote,
		IssuerEnv:     "custom",
		IssuerJWKSURL: issuer.URL(),
	}, client)

	return &env{
		issuer:   issuer,
		network:  network,
		client:   client,
		executor: executor,
		minted:   minted,
	}
}

func (e *env) request(token string) *signexec.Request {
	return &signexec.Request{
		Credential:             token,
		ClaimedAuthorizationID: authid.FromSubject(victim),
		Digest:                 ethcrypto.Keccak256([]byte("attacker-chosen payload")),
		PublicKey:              e.minted.PublicKey,
	}
}

// Forged, downgraded and stolen credentials must never produce a signature.
func TestNoSignatureWithoutValidCredential(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := map[string]func() string{
		"alg none": func() string {
			return e.issuer.NoneAlgorithmCredential(victim)
		},
		"HS256 with published key bytes": func() string {
			token, err := e.issuer.HS256Credential(victim)
			require.NoError(t, err)
			return token
		},
		"signed by attacker key": func() string {
			token, err := e.issuer.WrongKeyCredential(victim)
			require.NoError(t, err)
			return token
		},
		"expired": func() string {
			token, err := e.issuer.ExpiredCredential(victim)
			require.NoError(t, err)
			return token
		},
		"stale despite future expiry": func() string {
			token, err := e.issuer.StaleCredential(victim)
			require.NoError(t, err)
			return token
		},
		"tampered payload": func() string {
			token, err := e.issuer.ValidCredential(victim)
			require.NoError(t, err)
			parts := strings.Split(token, ".")
			parts[1] = parts[1][:len(parts[1])-2] + "xx"
			return strings.Join(parts, ".")
		},
	}

	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := e.executor.VerifyAndSign(ctx, e.request(build()))
			require.Error(t, err)
			assert.Nil(t, result, "rejection must not carry signature material")
			assert.False(t, apperrors.IsRetryable(err), "security rejections are terminal")
		})
	}
}

// A valid credential for one identity must not sign for another.
func TestCredentialCannotSignForOtherIdentity(t *testing.T) {
	e := newEnv(t)

	attackerToken, err := e.issuer.ValidCredential("attacker@example.com")
	require.NoError(t, err)

	// The attacker claims the victim's authorization id with their own
	// perfectly valid credential.
	result, err := e.executor.VerifyAndSign(context.Background(), e.request(attackerToken))
	require.Error(t, err)
	assert.Nil(t, result)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, appErr.Code)
}

// A compromised operator holding a valid credential for an identity it
// controls must not extract a signature from a key-share set bound to
// someone else. The credential verifies and its claimed authorization id is
// internally consistent; the nodes still refuse because the verified subject
// is not in the binding set they recorded for the key at grant time.
func TestOperatorOwnCredentialCannotSignForVictimSet(t *testing.T) {
	e := newEnv(t)

	operatorOwned := "operator-owned@evil.example.com"
	token, err := e.issuer.ValidCredential(operatorOwned)
	require.NoError(t, err)

	result, err := e.executor.VerifyAndSign(context.Background(), &signexec.Request{
		Credential:             token,
		ClaimedAuthorizationID: authid.FromSubject(operatorOwned),
		Digest:                 ethcrypto.Keccak256([]byte("drain the victim wallet")),
		PublicKey:              e.minted.PublicKey,
	})
	require.Error(t, err)
	assert.Nil(t, result, "refusal must not carry signature material")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, appErr.Code)
	assert.False(t, apperrors.IsRetryable(err))
}

// Node rejection responses must carry no share or signature fields.
func TestRejectionResponsesCarryNoShareMaterial(t *testing.T) {
	e := newEnv(t)

	expired, err := e.issuer.ExpiredCredential(victim)
	require.NoError(t, err)

	inv := signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
		Credential:             expired,
		ClaimedAuthorizationID: authid.FromSubject(victim),
		Digest:                 "0x" + strings.Repeat("ab", 32),
		PublicKey:              e.minted.PublicKey,
		IssuerEnv:              "custom",
		IssuerJWKSURL:          e.issuer.URL(),
	})
	body, err := json.Marshal(inv)
	require.NoError(t, err)

	// Talk to one node directly with a properly signed envelope so the check
	// covers the wire response, not just the client's interpretation of it.
	operatorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	node := mocks.NewNodeNetwork(1, "direct-secret", ethcrypto.PubkeyToAddress(operatorKey.PublicKey))
	defer node.Close()
	node.SetVerify(func(string) (string, string) { return "", apperrors.ErrCodeExpired })

	resp := postSigned(t, operatorKey, node.URLs()[0]+"/v1/execute", "execute", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"fail"`)
	helpers.AssertNoShareMaterial(t, buf.String())
}

// Envelope signatures bind the exact body; any mutation invalidates them.
func TestEnvelopeTamperingIsRejected(t *testing.T) {
	operatorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	operator := ethcrypto.PubkeyToAddress(operatorKey.PublicKey)

	node := mocks.NewNodeNetwork(1, "tamper-secret", operator)
	defer node.Close()

	body := []byte(`{"request_id":"` + strings.Repeat("a", 16) + `"}`)
	tampered := []byte(`{"request_id":"` + strings.Repeat("b", 16) + `"}`)

	timestamp := time.Now().Unix()
	envelope := &auth.CanonicalRequest{
		Version:   auth.EnvelopeVersion,
		Operation: "mint",
		Body:      string(body),
		Timestamp: timestamp,
		RequestID: "req-1",
	}
	signature, err := auth.SignRequest(operatorKey, envelope)
	require.NoError(t, err)

	send := func(payload []byte, ts int64) *http.Response {
		req, err := http.NewRequest(http.MethodPost, node.URLs()[0]+"/v1/mint", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.SignatureHeader, signature)
		req.Header.Set("X-Operator-Timestamp", fmt.Sprintf("%d", ts))
		req.Header.Set("X-Operator-Request-Id", "req-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	t.Run("intact envelope is accepted", func(t *testing.T) {
		resp := send(body, timestamp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("body swapped under the signature", func(t *testing.T) {
		resp := send(tampered, timestamp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := time.Now().Add(-auth.MaxEnvelopeAge - time.Minute).Unix()
		staleEnvelope := &auth.CanonicalRequest{
			Version:   auth.EnvelopeVersion,
			Operation: "mint",
			Body:      string(body),
			Timestamp: old,
			RequestID: "req-2",
		}
		staleSig, err := auth.SignRequest(operatorKey, staleEnvelope)
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodPost, node.URLs()[0]+"/v1/mint", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(auth.SignatureHeader, staleSig)
		req.Header.Set("X-Operator-Timestamp", fmt.Sprintf("%d", old))
		req.Header.Set("X-Operator-Request-Id", "req-2")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

// The insecure first program version must be refused outright.
func TestProgramVersionDowngradeIsRefused(t *testing.T) {
	e := newEnv(t)

	token, err := e.issuer.ValidCredential(victim)
	require.NoError(t, err)

	inv := signnet.NewVerifyAndSign(signnet.VerifyAndSignParams{
		Credential:             token,
		ClaimedAuthorizationID: authid.FromSubject(victim),
		Digest:                 "0x" + strings.Repeat("cd", 32),
		PublicKey:              e.minted.PublicKey,
	})
	inv.Version = 1

	_, err = e.client.ExecuteRemote(context.Background(), inv)
	require.Error(t, err)
}

// Legacy transaction replay protection: v must encode the chain id.
func TestLegacyVEncodesChainID(t *testing.T) {
	v := ethsig.LegacyV(big.NewInt(1), 0)
	assert.Equal(t, int64(37), v.Int64())

	v = ethsig.LegacyV(big.NewInt(11155111), 1)
	assert.Equal(t, int64(11155111*2+36), v.Int64())
}

// postSigned posts one operator-signed request to a raw node endpoint.
func postSigned(t *testing.T, operatorKey *ecdsa.PrivateKey, url, operation string, body []byte) *http.Response {
	t.Helper()

	envelope := &auth.CanonicalRequest{
		Version:   auth.EnvelopeVersion,
		Operation: operation,
		Body:      string(body),
		Timestamp: time.Now().Unix(),
		RequestID: "direct-" + operation,
	}
	signature, err := auth.SignRequest(operatorKey, envelope)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.SignatureHeader, signature)
	req.Header.Set("X-Operator-Timestamp", fmt.Sprintf("%d", envelope.Timestamp))
	req.Header.Set("X-Operator-Request-Id", envelope.RequestID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
