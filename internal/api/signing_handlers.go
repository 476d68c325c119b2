package api

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"github.com/covenant-wallet/covenant/internal/app"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
)

// SignMessageAPIRequest represents the API request to sign a personal message
type SignMessageAPIRequest struct {
	Credential      string `json:"credential"`
	AuthorizationID string `json:"authorization_id"`
	Message         string `json:"message"`
	Encoding        string `json:"encoding,omitempty"` // "utf8" (default) or "hex"
}

// SignTransactionAPIRequest represents the API request to sign a transaction
type SignTransactionAPIRequest struct {
	Credential      string `json:"credential"`
	AuthorizationID string `json:"authorization_id"`

	To        string  `json:"to"`
	Value     string  `json:"value,omitempty"` // decimal wei
	Data      string  `json:"data,omitempty"`  // 0x-prefixed hex
	ChainID   int64   `json:"chain_id,omitempty"`
	Type      string  `json:"type,omitempty"` // "dynamic" (default) or "legacy"
	Nonce     *uint64 `json:"nonce,omitempty"`
	GasLimit  *uint64 `json:"gas_limit,omitempty"`
	GasFeeCap string  `json:"gas_fee_cap,omitempty"` // decimal wei
	GasTipCap string  `json:"gas_tip_cap,omitempty"` // decimal wei
	GasPrice  string  `json:"gas_price,omitempty"`   // decimal wei, legacy only

	Broadcast bool `json:"broadcast,omitempty"`
}

// handleSignMessage signs an EIP-191 personal message
func (s *Server) handleSignMessage(w http.ResponseWriter, r *http.Request, tokenID string) {
	var req SignMessageAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	message, err := decodeMessage(req.Message, req.Encoding)
	if err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid message",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	resp, err := s.service.SignMessage(r.Context(), &app.SignMessageRequest{
		TokenID:                tokenID,
		Credential:             req.Credential,
		ClaimedAuthorizationID: req.AuthorizationID,
		Message:                message,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleSignTransaction signs (and optionally broadcasts) a transaction
func (s *Server) handleSignTransaction(w http.ResponseWriter, r *http.Request, tokenID string) {
	var req SignTransactionAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	svcReq := &app.SignTransactionRequest{
		TokenID:                tokenID,
		Credential:             req.Credential,
		ClaimedAuthorizationID: req.AuthorizationID,
		To:                     req.To,
		ChainID:                req.ChainID,
		TxType:                 req.Type,
		Nonce:                  req.Nonce,
		GasLimit:               req.GasLimit,
		Broadcast:              req.Broadcast,
	}

	var err error
	if svcReq.ValueWei, err = parseBigInt(req.Value, "value"); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest, "Invalid value", err.Error(), http.StatusBadRequest))
		return
	}
	if svcReq.GasFeeCap, err = parseBigInt(req.GasFeeCap, "gas_fee_cap"); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest, "Invalid gas fee cap", err.Error(), http.StatusBadRequest))
		return
	}
	if svcReq.GasTipCap, err = parseBigInt(req.GasTipCap, "gas_tip_cap"); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest, "Invalid gas tip cap", err.Error(), http.StatusBadRequest))
		return
	}
	if svcReq.GasPrice, err = parseBigInt(req.GasPrice, "gas_price"); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest, "Invalid gas price", err.Error(), http.StatusBadRequest))
		return
	}

	if req.Data != "" {
		data, err := hex.DecodeString(strings.TrimPrefix(req.Data, "0x"))
		if err != nil {
			s.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeBadRequest, "Invalid data", "data must be hex", http.StatusBadRequest))
			return
		}
		svcReq.Data = data
	}

	resp, err := s.service.SignTransaction(r.Context(), svcReq)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// decodeMessage decodes a message per the requested encoding.
func decodeMessage(message, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf8":
		return []byte(message), nil
	case "hex":
		return hex.DecodeString(strings.TrimPrefix(message, "0x"))
	default:
		return nil, &unknownEncodingError{encoding}
	}
}

type unknownEncodingError struct{ encoding string }

func (e *unknownEncodingError) Error() string {
	return "unknown encoding " + e.encoding + " (want utf8 or hex)"
}

// parseBigInt parses an optional decimal big integer field.
func parseBigInt(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, &badIntError{field}
	}
	return v, nil
}

type badIntError struct{ field string }

func (e *badIntError) Error() string {
	return e.field + " must be a decimal integer"
}
