// Package crypto holds secp256k1 key helpers shared by the service, the dev
// signing nodes, and tests.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// GenerateEthereumKey generates a new secp256k1 private key.
func GenerateEthereumKey() (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return privateKey, nil
}

// GetEthereumAddress derives the Ethereum address from a private key.
func GetEthereumAddress(privateKey *ecdsa.PrivateKey) common.Address {
	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		panic("failed to cast public key to ECDSA")
	}
	return crypto.PubkeyToAddress(*publicKeyECDSA)
}

// PrivateKeyToBytes converts a private key to its 32-byte form.
func PrivateKeyToBytes(privateKey *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSA(privateKey)
}

// BytesToPrivateKey converts 32 bytes to a private key.
func BytesToPrivateKey(b []byte) (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(b)
}

// PublicKeyHex encodes a public key in the uncompressed 0x04... hex form the
// signing network uses as a key-share set identifier.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return "0x" + hex.EncodeToString(crypto.FromECDSAPub(pub))
}

// ParsePublicKeyHex parses an uncompressed (65-byte) or compressed (33-byte)
// hex-encoded secp256k1 public key, with or without a 0x prefix.
func ParsePublicKeyHex(s string) (*ecdsa.PublicKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}

	switch len(b) {
	case 65:
		return crypto.UnmarshalPubkey(b)
	case 33:
		return crypto.DecompressPubkey(b)
	default:
		return nil, fmt.Errorf("public key is %d bytes, want 33 or 65", len(b))
	}
}

// AddressFromPublicKeyHex derives the Ethereum address identified by a
// hex-encoded public key.
func AddressFromPublicKeyHex(s string) (common.Address, error) {
	pub, err := ParsePublicKeyHex(s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PersonalMessageDigest computes the EIP-191 personal-message digest:
// keccak256("\x19Ethereum Signed Message:\n" || len(message) || message).
func PersonalMessageDigest(message []byte) [32]byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	var digest [32]byte
	copy(digest[:], crypto.Keccak256([]byte(prefixed)))
	return digest
}
