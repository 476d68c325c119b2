// Package validation holds request-shape checks that run before any
// cryptography or network traffic.
package validation

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EthereumAddressPattern is the regex pattern for Ethereum addresses
var EthereumAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// TokenIDPattern matches the network token id shape: 0x-prefixed 32-byte hex.
var TokenIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidateEthereumAddress validates an Ethereum address format
func ValidateEthereumAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !EthereumAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Ethereum address format: must be 0x followed by 40 hex characters")
	}

	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid Ethereum address")
	}

	// Prevent sending to zero address (common mistake)
	if strings.ToLower(address) == "0x0000000000000000000000000000000000000000" {
		return fmt.Errorf("cannot send to zero address")
	}

	return nil
}

// ValidateTokenID validates a key-share set token id.
func ValidateTokenID(tokenID string) error {
	if tokenID == "" {
		return fmt.Errorf("token id cannot be empty")
	}
	if !TokenIDPattern.MatchString(tokenID) {
		return fmt.Errorf("invalid token id format: must be 0x followed by 64 hex characters")
	}
	return nil
}

// ValidateAuthorizationID validates a claimed authorization id: a 0x-prefixed
// 32-byte hex string. Only the shape is checked here; the binding against the
// credential subject happens in the executor.
func ValidateAuthorizationID(id string) error {
	if id == "" {
		return fmt.Errorf("authorization id cannot be empty")
	}
	raw := strings.TrimPrefix(id, "0x")
	if len(raw) != 64 {
		return fmt.Errorf("authorization id must be 32 bytes of hex")
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return fmt.Errorf("authorization id is not valid hex")
	}
	return nil
}

// ValidatePublicKeyHex validates a key-share set public key: uncompressed
// (65-byte) or compressed (33-byte) hex.
func ValidatePublicKeyHex(pk string) error {
	if pk == "" {
		return fmt.Errorf("public key cannot be empty")
	}
	raw := strings.TrimPrefix(pk, "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("public key is not valid hex")
	}
	if len(b) != 33 && len(b) != 65 {
		return fmt.Errorf("public key is %d bytes, want 33 or 65", len(b))
	}
	return nil
}

// ValidateChainID validates a chain ID
func ValidateChainID(chainID int64) error {
	if chainID <= 0 {
		return fmt.Errorf("chain ID must be positive")
	}
	return nil
}

// ValidateTransactionValue validates a transaction value
func ValidateTransactionValue(value *big.Int, maxValue *big.Int) error {
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}

	if value.Sign() < 0 {
		return fmt.Errorf("value cannot be negative")
	}

	if maxValue != nil && value.Cmp(maxValue) > 0 {
		return fmt.Errorf("value exceeds maximum allowed: %s > %s", value.String(), maxValue.String())
	}

	return nil
}

// ValidateGasParameters validates gas-related parameters when the caller
// supplies them explicitly. Omitted parameters are filled from the RPC
// endpoint instead and skip these checks.
func ValidateGasParameters(gasLimit uint64, gasFeeCap, gasTipCap *big.Int) error {
	if gasLimit == 0 {
		return fmt.Errorf("gas limit cannot be zero")
	}

	if gasLimit < 21000 {
		return fmt.Errorf("gas limit too low: minimum 21000 for transfers")
	}

	if gasLimit > 30000000 {
		return fmt.Errorf("gas limit too high: maximum 30000000")
	}

	if gasFeeCap == nil {
		return fmt.Errorf("gas fee cap cannot be nil")
	}

	if gasTipCap == nil {
		return fmt.Errorf("gas tip cap cannot be nil")
	}

	if gasFeeCap.Sign() <= 0 {
		return fmt.Errorf("gas fee cap must be positive")
	}

	if gasTipCap.Sign() < 0 {
		return fmt.Errorf("gas tip cap cannot be negative")
	}

	if gasTipCap.Cmp(gasFeeCap) > 0 {
		return fmt.Errorf("gas tip cap cannot exceed gas fee cap")
	}

	// Sanity cap: 100000 Gwei
	maxGasPrice := new(big.Int).SetUint64(100000000000000)
	if gasFeeCap.Cmp(maxGasPrice) > 0 {
		return fmt.Errorf("gas fee cap too high: maximum 100000 Gwei")
	}

	return nil
}

// ValidateTransactionData validates transaction calldata size.
func ValidateTransactionData(data []byte, maxDataSize int) error {
	if maxDataSize > 0 && len(data) > maxDataSize {
		return fmt.Errorf("transaction data too large: %d bytes > %d bytes max", len(data), maxDataSize)
	}

	return nil
}
