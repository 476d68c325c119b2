package ethsig

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
)

func intPtr(v int) *int { return &v }

func sampleRS(t *testing.T) (string, string) {
	t.Helper()
	r := strings.Repeat("11", 32)
	s := strings.Repeat("22", 32)
	return r, s
}

func TestNormalize_SplitShape(t *testing.T) {
	r, s := sampleRS(t)

	tests := []struct {
		name        string
		raw         RawSignature
		expectBit   byte
		expectError bool
	}{
		{
			name:      "recid 0",
			raw:       RawSignature{R: r, S: s, RecoveryID: intPtr(0)},
			expectBit: 0,
		},
		{
			name:      "recid 1",
			raw:       RawSignature{R: "0x" + r, S: "0x" + s, RecoveryID: intPtr(1)},
			expectBit: 1,
		},
		{
			name:      "legacy 27 normalizes to 0",
			raw:       RawSignature{R: r, S: s, RecoveryID: intPtr(27)},
			expectBit: 0,
		},
		{
			name:      "legacy 28 normalizes to 1",
			raw:       RawSignature{R: r, S: s, RecoveryID: intPtr(28)},
			expectBit: 1,
		},
		{
			name:        "recid out of range",
			raw:         RawSignature{R: r, S: s, RecoveryID: intPtr(29)},
			expectError: true,
		},
		{
			name:        "missing recid",
			raw:         RawSignature{R: r, S: s},
			expectError: true,
		},
		{
			name:        "short r",
			raw:         RawSignature{R: r[:62], S: s, RecoveryID: intPtr(0)},
			expectError: true,
		},
		{
			name:        "non-hex s",
			raw:         RawSignature{R: r, S: "zz" + s[2:], RecoveryID: intPtr(0)},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Normalize(tt.raw)
			if tt.expectError {
				require.Error(t, err)
				appErr, ok := apperrors.IsAppError(err)
				require.True(t, ok)
				assert.Equal(t, apperrors.ErrCodeMalformedSignatureShape, appErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectBit, sig.RecoveryBit)
			assert.Equal(t, r, hex.EncodeToString(sig.R[:]))
			assert.Equal(t, s, hex.EncodeToString(sig.S[:]))
		})
	}
}

func TestNormalize_ConcatShape(t *testing.T) {
	r, s := sampleRS(t)

	t.Run("64-byte signature with separate recid", func(t *testing.T) {
		sig, err := Normalize(RawSignature{Signature: r + s, RecoveryID: intPtr(1)})
		require.NoError(t, err)
		assert.Equal(t, byte(1), sig.RecoveryBit)
		assert.Equal(t, r, hex.EncodeToString(sig.R[:]))
	})

	t.Run("64-byte signature without recid fails", func(t *testing.T) {
		_, err := Normalize(RawSignature{Signature: r + s})
		require.Error(t, err)
	})

	t.Run("65-byte signature with embedded v", func(t *testing.T) {
		sig, err := Normalize(RawSignature{Signature: "0x" + r + s + "1c"}) // v=28
		require.NoError(t, err)
		assert.Equal(t, byte(1), sig.RecoveryBit)
	})

	t.Run("unrecognized length is a hard error", func(t *testing.T) {
		_, err := Normalize(RawSignature{Signature: r + s + "0011"})
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeMalformedSignatureShape, appErr.Code)
	})

	t.Run("empty raw signature is a hard error", func(t *testing.T) {
		_, err := Normalize(RawSignature{})
		require.Error(t, err)
	})
}

func TestFrom65_RoundTrip(t *testing.T) {
	r, s := sampleRS(t)
	for _, v := range []string{"00", "01", "1b", "1c"} {
		raw, err := hex.DecodeString(r + s + v)
		require.NoError(t, err)

		sig, err := From65(raw)
		require.NoError(t, err)

		out := sig.Bytes()
		assert.Equal(t, raw[:64], out[:64])
		assert.LessOrEqual(t, out[64], byte(1))

		// Parsing the normalized bytes again recovers the identical signature.
		again, err := From65(out)
		require.NoError(t, err)
		assert.Equal(t, sig, again)
	}
}

func TestEncodeMessage(t *testing.T) {
	r, s := sampleRS(t)

	sig, err := Normalize(RawSignature{R: r, S: s, RecoveryID: intPtr(1)})
	require.NoError(t, err)

	encoded := sig.EncodeMessage()
	require.Len(t, encoded, 2+65*2)
	assert.True(t, strings.HasPrefix(encoded, "0x"))
	// conventional layout puts 27+recoveryBit in the final byte
	assert.Equal(t, "1c", encoded[len(encoded)-2:])

	parsed, err := ParseMessageSignature(encoded)
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)
}

func TestParseMessageSignature_Invalid(t *testing.T) {
	for _, in := range []string{"", "0x", "0xdeadbeef", "not-hex"} {
		_, err := ParseMessageSignature(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestLegacyV(t *testing.T) {
	tests := []struct {
		name     string
		chainID  int64
		bit      byte
		expected int64
	}{
		{"mainnet bit 0", 1, 0, 37},
		{"mainnet bit 1", 1, 1, 38},
		{"sepolia bit 1", 11155111, 1, 22310258},
		{"sepolia bit 0", 11155111, 0, 22310257},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := LegacyV(big.NewInt(tt.chainID), tt.bit)
			assert.Equal(t, tt.expected, v.Int64())
		})
	}
}

func TestAttachToTx_LegacyReplayProtection(t *testing.T) {
	chainID := big.NewInt(11155111)
	to := common.HexToAddress("0x000000000000000000000000000000000000dead")
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    7,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(2_000_000_000),
	})

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	digest, err := TxSigningDigest(tx, chainID)
	require.NoError(t, err)

	rawSig, err := ethcrypto.Sign(digest, key)
	require.NoError(t, err)

	sig, err := From65(rawSig)
	require.NoError(t, err)

	signed, err := AttachToTx(tx, chainID, sig)
	require.NoError(t, err)

	v, _, _ := signed.RawSignatureValues()
	assert.Equal(t, LegacyV(chainID, sig.RecoveryBit), v)

	// The signed envelope must recover to the signing key's address.
	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), sender)

	// And serialize into a broadcastable envelope.
	envelope, err := signed.MarshalBinary()
	require.NoError(t, err)
	assert.NotEmpty(t, envelope)
}

func TestAttachToTx_DynamicFee(t *testing.T) {
	chainID := big.NewInt(1)
	to := common.HexToAddress("0x000000000000000000000000000000000000beef")
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		To:        &to,
		Value:     big.NewInt(10),
		Gas:       21000,
		GasFeeCap: big.NewInt(30_000_000_000),
		GasTipCap: big.NewInt(1_000_000_000),
	})

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	digest, err := TxSigningDigest(tx, chainID)
	require.NoError(t, err)

	rawSig, err := ethcrypto.Sign(digest, key)
	require.NoError(t, err)

	sig, err := From65(rawSig)
	require.NoError(t, err)

	signed, err := AttachToTx(tx, chainID, sig)
	require.NoError(t, err)

	// Typed transactions carry the recovery bit directly, no 35 offset.
	v, _, _ := signed.RawSignatureValues()
	assert.Equal(t, int64(sig.RecoveryBit), v.Int64())

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), sender)
}

func TestAttachToTx_InvalidChainID(t *testing.T) {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{Nonce: 0, Gas: 21000, GasPrice: big.NewInt(1)})
	_, err := AttachToTx(tx, nil, Signature{})
	assert.Error(t, err)
	_, err = AttachToTx(tx, big.NewInt(0), Signature{})
	assert.Error(t, err)
}

func TestRecoverAddress(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	digest := ethcrypto.Keccak256([]byte("payload"))
	rawSig, err := ethcrypto.Sign(digest, key)
	require.NoError(t, err)

	sig, err := From65(rawSig)
	require.NoError(t, err)

	addr, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), addr)

	t.Run("wrong digest recovers a different address", func(t *testing.T) {
		other := ethcrypto.Keccak256([]byte("other payload"))
		addr2, err := RecoverAddress(other, sig)
		if err == nil {
			assert.NotEqual(t, addr, addr2)
		}
	})

	t.Run("short digest rejected", func(t *testing.T) {
		_, err := RecoverAddress([]byte("short"), sig)
		assert.Error(t, err)
	})
}
