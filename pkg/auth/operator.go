package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MaxEnvelopeAge bounds how old a signed envelope may be before nodes reject
// it as a possible replay. Clock skew in either direction is tolerated up to
// the same bound.
const MaxEnvelopeAge = 5 * time.Minute

// SignRequest signs the canonical form of the envelope with the operator key
// and returns the hex-encoded 65-byte r || s || v signature.
func SignRequest(key *ecdsa.PrivateKey, req *CanonicalRequest) (string, error) {
	canonicalBytes, err := SerializeCanonical(req)
	if err != nil {
		return "", fmt.Errorf("failed to serialize envelope: %w", err)
	}

	digest := ethcrypto.Keccak256(canonicalBytes)
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("failed to sign envelope: %w", err)
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// VerifyRequest recovers the signer address from an envelope signature.
// Callers compare the returned address against the registered operator and
// must also check envelope freshness with CheckFreshness.
func VerifyRequest(req *CanonicalRequest, sigHex string) (common.Address, error) {
	canonicalBytes, err := SerializeCanonical(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to serialize envelope: %w", err)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want 65", len(sig))
	}
	// Normalize a legacy 27/28 recovery value before recovery.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}

	digest := ethcrypto.Keccak256(canonicalBytes)
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}

	return ethcrypto.PubkeyToAddress(*pub), nil
}

// CheckFreshness rejects envelopes outside the replay window.
func CheckFreshness(req *CanonicalRequest, now time.Time) error {
	ts := time.Unix(req.Timestamp, 0)
	age := now.Sub(ts)
	if age > MaxEnvelopeAge || age < -MaxEnvelopeAge {
		return fmt.Errorf("envelope timestamp outside freshness window: %s", age)
	}
	return nil
}
