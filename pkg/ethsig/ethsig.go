// Package ethsig normalizes raw threshold-signature output into the standard
// Ethereum {r, s, recovery bit} form and serializes it as a message signature
// or into a signed transaction envelope.
package ethsig

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
)

// Signature is a normalized secp256k1 signature. R and S are fixed-width
// big-endian; RecoveryBit is always 0 or 1 (never the legacy 27/28 form).
type Signature struct {
	R           [32]byte
	S           [32]byte
	RecoveryBit byte
}

// RawSignature is the wire shape returned by signing nodes. Networks serialize
// signatures in more than one layout; exactly one of the accepted combinations
// must be present:
//
//   - R + S + RecoveryID (separate fields)
//   - Signature with 64 bytes (r || s) + RecoveryID
//   - Signature with 65 bytes (r || s || v)
//
// Anything else is a hard malformed-shape error, never a best-effort guess.
type RawSignature struct {
	R          string `json:"r,omitempty"`
	S          string `json:"s,omitempty"`
	RecoveryID *int   `json:"recid,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

// Normalize converts a raw signature into the canonical form.
func Normalize(raw RawSignature) (Signature, error) {
	switch {
	case raw.R != "" && raw.S != "":
		return normalizeSplit(raw)
	case raw.Signature != "":
		return normalizeConcat(raw)
	default:
		return Signature{}, apperrors.MalformedSignatureShape("no recognized signature fields present")
	}
}

func normalizeSplit(raw RawSignature) (Signature, error) {
	r, err := decodeFixed(raw.R, 32)
	if err != nil {
		return Signature{}, apperrors.MalformedSignatureShape(fmt.Sprintf("r: %v", err))
	}
	s, err := decodeFixed(raw.S, 32)
	if err != nil {
		return Signature{}, apperrors.MalformedSignatureShape(fmt.Sprintf("s: %v", err))
	}
	if raw.RecoveryID == nil {
		return Signature{}, apperrors.MalformedSignatureShape("split r/s shape requires recid")
	}
	bit, err := recoveryBit(*raw.RecoveryID)
	if err != nil {
		return Signature{}, err
	}

	var sig Signature
	copy(sig.R[:], r)
	copy(sig.S[:], s)
	sig.RecoveryBit = bit
	return sig, nil
}

func normalizeConcat(raw RawSignature) (Signature, error) {
	b, err := decodeHex(raw.Signature)
	if err != nil {
		return Signature{}, apperrors.MalformedSignatureShape(fmt.Sprintf("signature: %v", err))
	}

	switch len(b) {
	case 65:
		return From65(b)
	case 64:
		if raw.RecoveryID == nil {
			return Signature{}, apperrors.MalformedSignatureShape("64-byte signature requires recid")
		}
		bit, err := recoveryBit(*raw.RecoveryID)
		if err != nil {
			return Signature{}, err
		}
		var sig Signature
		copy(sig.R[:], b[:32])
		copy(sig.S[:], b[32:])
		sig.RecoveryBit = bit
		return sig, nil
	default:
		return Signature{}, apperrors.MalformedSignatureShape(fmt.Sprintf("signature is %d bytes, want 64 or 65", len(b)))
	}
}

// From65 parses a 65-byte r || s || v signature. The trailing v may be either
// the raw recovery bit (0/1) or the legacy 27/28 form.
func From65(b []byte) (Signature, error) {
	if len(b) != 65 {
		return Signature{}, apperrors.MalformedSignatureShape(fmt.Sprintf("signature is %d bytes, want 65", len(b)))
	}
	bit, err := recoveryBit(int(b[64]))
	if err != nil {
		return Signature{}, err
	}

	var sig Signature
	copy(sig.R[:], b[:32])
	copy(sig.S[:], b[32:64])
	sig.RecoveryBit = bit
	return sig, nil
}

func recoveryBit(v int) (byte, error) {
	switch v {
	case 0, 1:
		return byte(v), nil
	case 27, 28:
		return byte(v - 27), nil
	default:
		return 0, apperrors.MalformedSignatureShape(fmt.Sprintf("recovery value %d not in {0,1,27,28}", v))
	}
}

// Bytes returns the 65-byte r || s || recoveryBit form used by go-ethereum's
// recovery functions and transaction signers.
func (sig Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], sig.R[:])
	copy(out[32:64], sig.S[:])
	out[64] = sig.RecoveryBit
	return out
}

// EncodeMessage hex-encodes the signature in the conventional Ethereum message
// layout: 0x || r || s || (27 + recoveryBit).
func (sig Signature) EncodeMessage() string {
	out := make([]byte, 65)
	copy(out[:32], sig.R[:])
	copy(out[32:64], sig.S[:])
	out[64] = 27 + sig.RecoveryBit
	return "0x" + hex.EncodeToString(out)
}

// ParseMessageSignature is the inverse of EncodeMessage.
func ParseMessageSignature(s string) (Signature, error) {
	b, err := decodeHex(s)
	if err != nil {
		return Signature{}, apperrors.MalformedSignatureShape(fmt.Sprintf("message signature: %v", err))
	}
	return From65(b)
}

// LegacyV computes the replay-protected recovery value for a legacy
// transaction: chainId*2 + 35 + recoveryBit.
func LegacyV(chainID *big.Int, recoveryBit byte) *big.Int {
	v := new(big.Int).Mul(chainID, big.NewInt(2))
	v.Add(v, big.NewInt(35+int64(recoveryBit)))
	return v
}

// TxSigningDigest returns the 32-byte digest the signing network must sign
// for the given unsigned transaction. Must use the same signer derivation as
// AttachToTx or sender recovery breaks.
func TxSigningDigest(tx *ethtypes.Transaction, chainID *big.Int) ([]byte, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	signer := ethtypes.LatestSignerForChainID(chainID)
	h := signer.Hash(tx)
	return h[:], nil
}

// AttachToTx attaches the signature to an unsigned transaction, producing the
// signed envelope. Legacy transactions get the replay-protected encoding
// (v = chainId*2 + 35 + recoveryBit); typed transactions carry the recovery
// bit directly.
func AttachToTx(tx *ethtypes.Transaction, chainID *big.Int, sig Signature) (*ethtypes.Transaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	signer := ethtypes.LatestSignerForChainID(chainID)
	signed, err := tx.WithSignature(signer, sig.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to attach signature: %w", err)
	}
	return signed, nil
}

// RecoverAddress recovers the signer address from a 32-byte digest and a
// normalized signature. Used to cross-check that the network signed with the
// expected key-share set.
func RecoverAddress(digest []byte, sig Signature) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	pub, err := ethcrypto.SigToPub(digest, sig.Bytes())
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty hex string")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

func decodeFixed(s string, n int) ([]byte, error) {
	b, err := decodeHex(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("got %d bytes, want %d", len(b), n)
	}
	return b, nil
}
