package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/covenant-wallet/covenant/internal/app"
	"github.com/covenant-wallet/covenant/internal/logger"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/types"
)

// KeyShareSetResponse represents a key-share set in API responses
type KeyShareSetResponse struct {
	TokenID         string   `json:"token_id"`
	PublicKey       string   `json:"public_key"`
	Address         string   `json:"address"`
	AuthorizationID string   `json:"authorization_id"`
	Status          string   `json:"status"`
	AuthorizedIDs   []string `json:"authorized_ids,omitempty"`
	CreatedAt       int64    `json:"created_at"` // Unix timestamp in milliseconds
}

// ProvisionWalletRequest represents the provisioning request
type ProvisionWalletRequest struct {
	Subject string `json:"subject"`
}

// AddAuthorizedSubjectRequest permits an additional authorization id
type AddAuthorizedSubjectRequest struct {
	AuthorizationID string `json:"authorization_id"`
	AddedBy         string `json:"added_by,omitempty"`
}

// handleWallets handles wallet collection requests
func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleProvisionWallet(w, r)
	default:
		s.writeError(w, apperrors.New(
			apperrors.ErrCodeBadRequest,
			"Method not allowed",
			http.StatusMethodNotAllowed,
		))
	}
}

// handleWalletOperationsRouter routes per-wallet operations
func (s *Server) handleWalletOperationsRouter(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/wallets/"), "/")
	if len(pathParts) < 1 || pathParts[0] == "" {
		s.writeError(w, apperrors.ErrNotFound)
		return
	}

	tokenID := pathParts[0]

	if len(pathParts) == 1 {
		if r.Method == http.MethodGet {
			s.handleGetWallet(w, r, tokenID)
			return
		}
	}

	if len(pathParts) >= 2 {
		switch pathParts[1] {
		case "authorized-subjects":
			if r.Method == http.MethodPost && len(pathParts) == 2 {
				s.handleAddAuthorizedSubject(w, r, tokenID)
				return
			}
		case "sign":
			if r.Method == http.MethodPost && len(pathParts) == 3 {
				switch pathParts[2] {
				case "message":
					s.handleSignMessage(w, r, tokenID)
					return
				case "transaction":
					s.handleSignTransaction(w, r, tokenID)
					return
				}
			}
		}
	}

	s.writeError(w, apperrors.ErrNotFound)
}

// handleProvisionWallet provisions a new key-share set for an identity subject
func (s *Server) handleProvisionWallet(w http.ResponseWriter, r *http.Request) {
	var req ProvisionWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	resp, err := s.service.Provision(r.Context(), &app.ProvisionRequest{
		Subject: req.Subject,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, convertSetToResponse(resp.KeyShareSet, nil))
}

// handleGetWallet retrieves a key-share set by token id
func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request, tokenID string) {
	set, subjects, err := s.service.GetKeyShareSet(r.Context(), tokenID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, convertSetToResponse(set, subjects))
}

// handleAddAuthorizedSubject permits an additional authorization id
func (s *Server) handleAddAuthorizedSubject(w http.ResponseWriter, r *http.Request, tokenID string) {
	var req AddAuthorizedSubjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	subject, err := s.service.AddAuthorizedSubject(r.Context(), &app.AddSubjectRequest{
		TokenID:         tokenID,
		AuthorizationID: req.AuthorizationID,
		AddedBy:         req.AddedBy,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"authorization_id": subject.AuthorizationID,
		"origin":           subject.Origin,
		"created_at":       subject.CreatedAt.UnixMilli(),
	})
}

func convertSetToResponse(set *types.KeyShareSet, subjects []*types.AuthorizedSubject) KeyShareSetResponse {
	resp := KeyShareSetResponse{
		TokenID:         set.TokenID,
		PublicKey:       set.PublicKey,
		Address:         set.DerivedAddress,
		AuthorizationID: set.AuthorizationID,
		Status:          set.Status,
		CreatedAt:       set.CreatedAt.UnixMilli(),
	}
	for _, sub := range subjects {
		resp.AuthorizedIDs = append(resp.AuthorizedIDs, sub.AuthorizationID)
	}
	return resp
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(err)
}

// writeServiceError maps a service error to an external response. Credential
// and authorization rejections collapse to one generic unauthorized body so
// the external surface never reveals which verification step failed; the
// specific code stays in internal logs.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.IsCredentialFailure(err) {
		logger.Info(r.Context(), "request rejected", "reason", err.Error())
		s.writeError(w, apperrors.ErrUnauthorized)
		return
	}

	if appErr, ok := apperrors.IsAppError(err); ok {
		// Partial provisioning must name the stranded token id so the caller
		// can remediate; all other detail stays internal.
		if appErr.Code == apperrors.ErrCodeProvisioningPartial {
			s.writeError(w, appErr)
			return
		}
		s.writeError(w, apperrors.New(appErr.Code, appErr.Message, appErr.StatusCode))
		return
	}

	logger.Error(r.Context(), "unhandled service error", "error", err)
	s.writeError(w, apperrors.ErrInternalError)
}
