// Package auth builds and verifies the operator-signed request envelopes sent
// to the threshold-signing network. The envelope is serialized as canonical
// JSON (RFC 8785 key ordering), hashed with keccak-256 and signed with the
// operator's secp256k1 key; nodes recover the signer address and check it
// against the registered operator.
package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// EnvelopeVersion is the current canonical envelope version.
const EnvelopeVersion = "v1"

// SignatureHeader carries the hex-encoded operator signature on node requests.
const SignatureHeader = "X-Operator-Signature"

// CanonicalRequest is the standardized envelope covered by the operator
// signature. Body holds the operation's JSON body verbatim; Timestamp is unix
// seconds and bounds replay; RequestID lets nodes de-duplicate within the
// freshness window.
type CanonicalRequest struct {
	Version   string `json:"version"`
	Operation string `json:"operation"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"request_id"`
}

// SerializeCanonical serializes the envelope to RFC 8785 canonical JSON so
// signer and verifier hash identical bytes.
func SerializeCanonical(req *CanonicalRequest) ([]byte, error) {
	jsonBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var intermediate map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &intermediate); err != nil {
		return nil, err
	}

	return canonicalJSON(intermediate)
}

// CanonicalRequestFromBytes reconstructs an envelope for verification.
func CanonicalRequestFromBytes(data []byte) (*CanonicalRequest, error) {
	var req CanonicalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal canonical request: %w", err)
	}
	return &req, nil
}

// canonicalJSON produces RFC 8785 canonical JSON encoding
func canonicalJSON(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return canonicalObject(val)
	case []interface{}:
		return canonicalArray(val)
	default:
		return json.Marshal(v)
	}
}

// canonicalObject encodes a JSON object with lexicographically sorted keys
func canonicalObject(obj map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("{")

	for i, key := range keys {
		if i > 0 {
			buf.WriteString(",")
		}

		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteString(":")

		valJSON, err := canonicalJSON(obj[key])
		if err != nil {
			return nil, err
		}
		buf.Write(valJSON)
	}

	buf.WriteString("}")
	return buf.Bytes(), nil
}

// canonicalArray encodes a JSON array in canonical form
func canonicalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("[")

	for i, item := range arr {
		if i > 0 {
			buf.WriteString(",")
		}

		itemJSON, err := canonicalJSON(item)
		if err != nil {
			return nil, err
		}
		buf.Write(itemJSON)
	}

	buf.WriteString("]")
	return buf.Bytes(), nil
}
