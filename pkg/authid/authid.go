// Package authid derives the authorization id that binds an identity claim to
// a key-share set. The derivation is a pure function with no dependencies on
// request state; the service pre-check, the local executor and the signing
// nodes all import this package so the three paths can never drift.
package authid

import (
	"encoding/hex"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// IDLength is the byte length of an authorization id (keccak-256 output).
const IDLength = 32

// FromSubject derives the authorization id for an identity subject claim.
// The subject is trimmed and lowercased before hashing, so case variants of
// the same email produce the same id.
func FromSubject(subject string) string {
	normalized := strings.ToLower(strings.TrimSpace(subject))
	sum := ethcrypto.Keccak256([]byte(normalized))
	return "0x" + hex.EncodeToString(sum)
}

// Bind reports whether the subject claim resolves to the expected
// authorization id. Comparison is case-insensitive on the hex encoding and
// tolerant of a missing 0x prefix; the underlying bytes must match exactly.
func Bind(subject, expectedID string) bool {
	return Equal(FromSubject(subject), expectedID)
}

// Equal compares two authorization ids byte-for-byte after normalization.
func Equal(a, b string) bool {
	return canonical(a) == canonical(b)
}

// Valid reports whether s parses as a 32-byte hex authorization id.
func Valid(s string) bool {
	c := canonical(s)
	if len(c) != 2+IDLength*2 {
		return false
	}
	_, err := hex.DecodeString(c[2:])
	return err == nil
}

// Canonical returns the normalized form of an authorization id: trimmed,
// lowercased, 0x-prefixed. FromSubject already emits this form.
func Canonical(id string) string {
	return canonical(id)
}

func canonical(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return id
}
