// Package app orchestrates provisioning, authorization management and
// signing. It owns the persistence of key-share sets and their permitted
// subjects; all credential verification happens below it in the executor.
package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	internalcrypto "github.com/covenant-wallet/covenant/internal/crypto"
	"github.com/covenant-wallet/covenant/internal/eth"
	"github.com/covenant-wallet/covenant/internal/logger"
	"github.com/covenant-wallet/covenant/internal/metrics"
	"github.com/covenant-wallet/covenant/internal/middleware"
	"github.com/covenant-wallet/covenant/internal/signexec"
	"github.com/covenant-wallet/covenant/internal/signnet"
	"github.com/covenant-wallet/covenant/internal/storage"
	"github.com/covenant-wallet/covenant/internal/validation"
	"github.com/covenant-wallet/covenant/pkg/authid"
	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
	"github.com/covenant-wallet/covenant/pkg/ethsig"
	"github.com/covenant-wallet/covenant/pkg/types"
)

// signingNetwork is the provisioning surface of the signing-network client.
type signingNetwork interface {
	Mint(ctx context.Context) (*signnet.MintResult, error)
	GrantPermission(ctx context.Context, tokenID, grantee, scope, authorizationID string) error
	PermitAuthorization(ctx context.Context, tokenID, authorizationID string) error
}

// chainClient is the upstream RPC surface the service uses to fill
// transaction defaults and broadcast. Nil when no RPC endpoint is configured.
type chainClient interface {
	ChainIDBig() *big.Int
	GetNonce(ctx context.Context, address string) (uint64, error)
	EstimateGas(ctx context.Context, from, to string, value *big.Int, data []byte) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, signedTx *ethtypes.Transaction) (string, error)
}

var _ chainClient = (*eth.Client)(nil)

// Service handles key-share set provisioning and signing
type Service struct {
	store       *storage.Store
	setRepo     *storage.KeyShareSetRepository
	subjectRepo *storage.AuthorizedSubjectRepository
	auditRepo   *storage.AuditLogRepo

	net      signingNetwork
	executor signexec.Executor
	chain    chainClient

	// operatorAddress is the grantee of the sign capability at provisioning.
	operatorAddress common.Address
}

// NewService creates the service. chain may be nil; transaction signing then
// requires fully specified requests and cannot broadcast.
func NewService(
	store *storage.Store,
	net signingNetwork,
	executor signexec.Executor,
	chain chainClient,
	operatorAddress common.Address,
) *Service {
	return &Service{
		store:           store,
		setRepo:         storage.NewKeyShareSetRepository(store),
		subjectRepo:     storage.NewAuthorizedSubjectRepository(store),
		auditRepo:       storage.NewAuditLogRepo(store.DB()),
		net:             net,
		executor:        executor,
		chain:           chain,
		operatorAddress: operatorAddress,
	}
}

// ProvisionRequest asks for a new key-share set bound to an identity subject.
type ProvisionRequest struct {
	Subject string
}

// ProvisionResponse carries the new set and its origin authorization id.
type ProvisionResponse struct {
	KeyShareSet *types.KeyShareSet `json:"key_share_set"`
}

// Provision mints a key-share set, grants the operator its sign capability
// and persists the origin authorization binding. Minting and granting are two
// network operations that cannot be made atomic: when the grant fails the set
// is persisted as grant_failed and the caller gets a partial-provisioning
// error naming the token id. Retrying provisions a fresh set; the stranded
// one is never re-minted or silently reused.
func (s *Service) Provision(ctx context.Context, req *ProvisionRequest) (*ProvisionResponse, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid provisioning request", "subject is required", http.StatusBadRequest)
	}

	authorizationID := authid.FromSubject(req.Subject)

	mint, err := s.net.Mint(ctx)
	if err != nil {
		metrics.RecordProvision("mint_failed")
		return nil, err
	}

	derivedAddress, err := internalcrypto.AddressFromPublicKeyHex(mint.PublicKey)
	if err != nil {
		metrics.RecordProvision("bad_public_key")
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeInternalError,
			"Minted key has unusable public key", err.Error(), http.StatusInternalServerError)
	}

	set := &types.KeyShareSet{
		ID:              uuid.New(),
		TokenID:         mint.TokenID,
		PublicKey:       mint.PublicKey,
		DerivedAddress:  derivedAddress.Hex(),
		AuthorizationID: authorizationID,
		Status:          types.KeyShareSetStatusActive,
	}

	if err := s.net.GrantPermission(ctx, mint.TokenID, s.operatorAddress.Hex(), signnet.ScopeSignAny, authorizationID); err != nil {
		// The set exists on the network but cannot sign. Record it so
		// remediation has something to find, then surface the partial state.
		set.Status = types.KeyShareSetStatusGrantFailed
		if persistErr := s.setRepo.Create(ctx, set); persistErr != nil {
			logger.Error(ctx, "failed to persist grant-failed key share set",
				"token_id", mint.TokenID, "error", persistErr)
		}
		s.audit(ctx, storage.AuditActionProvisioningPartial, storage.ResourceTypeKeyShareSet,
			mint.TokenID, authorizationID, err)
		metrics.RecordProvision("grant_failed")
		return nil, apperrors.ProvisioningPartial(mint.TokenID, err.Error())
	}

	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.setRepo.CreateTx(ctx, tx, set); err != nil {
			return err
		}
		origin := &types.AuthorizedSubject{
			ID:              uuid.New(),
			KeyShareSetID:   set.ID,
			AuthorizationID: authorizationID,
			Origin:          true,
		}
		return s.subjectRepo.InsertTx(ctx, tx, origin)
	})
	if err != nil {
		metrics.RecordProvision("persist_failed")
		return nil, fmt.Errorf("failed to persist key share set: %w", err)
	}

	s.audit(ctx, storage.AuditActionProvisioningCompleted, storage.ResourceTypeKeyShareSet,
		set.TokenID, authorizationID, nil)
	metrics.RecordProvision("ok")

	logger.Info(ctx, "key share set provisioned",
		"token_id", set.TokenID,
		"address", set.DerivedAddress,
		"authorization_id", authorizationID,
	)

	return &ProvisionResponse{KeyShareSet: set}, nil
}

// GetKeyShareSet returns a set and its permitted authorization ids.
func (s *Service) GetKeyShareSet(ctx context.Context, tokenID string) (*types.KeyShareSet, []*types.AuthorizedSubject, error) {
	if err := validation.ValidateTokenID(tokenID); err != nil {
		return nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid token id", err.Error(), http.StatusBadRequest)
	}

	set, err := s.setRepo.GetByTokenID(ctx, tokenID)
	if err != nil {
		return nil, nil, err
	}
	if set == nil {
		return nil, nil, apperrors.WalletNotFound(tokenID)
	}

	subjects, err := s.subjectRepo.ListByKeyShareSet(ctx, set.ID)
	if err != nil {
		return nil, nil, err
	}
	return set, subjects, nil
}

// AddSubjectRequest permits an additional authorization id on a set.
type AddSubjectRequest struct {
	TokenID         string
	AuthorizationID string
	AddedBy         string
}

// AddAuthorizedSubject appends a permitted authorization id. The id is
// registered with the signing network first, so the node-held binding set
// grows before ours does; if registration fails nothing is persisted and the
// nodes keep refusing the subject. The set row is locked for the duration of
// the insert so concurrent additions serialize; the origin binding is
// immutable and additions never replace anything.
func (s *Service) AddAuthorizedSubject(ctx context.Context, req *AddSubjectRequest) (*types.AuthorizedSubject, error) {
	if err := validation.ValidateTokenID(req.TokenID); err != nil {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid token id", err.Error(), http.StatusBadRequest)
	}
	if err := validation.ValidateAuthorizationID(req.AuthorizationID); err != nil {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid authorization id", err.Error(), http.StatusBadRequest)
	}

	current, err := s.setRepo.GetByTokenID(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperrors.WalletNotFound(req.TokenID)
	}
	if current.Status != types.KeyShareSetStatusActive {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeConflict,
			"Key share set is not active", "status: "+current.Status, http.StatusConflict)
	}

	if err := s.net.PermitAuthorization(ctx, req.TokenID, req.AuthorizationID); err != nil {
		s.audit(ctx, storage.AuditActionSubjectAuthorized, storage.ResourceTypeKeyShareSet,
			req.TokenID, req.AuthorizationID, err)
		return nil, err
	}

	var subject *types.AuthorizedSubject
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		set, err := s.setRepo.GetByTokenIDForUpdateTx(ctx, tx, req.TokenID)
		if err != nil {
			return err
		}
		if set == nil {
			return apperrors.WalletNotFound(req.TokenID)
		}
		if set.Status != types.KeyShareSetStatusActive {
			return apperrors.NewWithDetail(apperrors.ErrCodeConflict,
				"Key share set is not active", "status: "+set.Status, http.StatusConflict)
		}

		exists, err := s.subjectRepo.ExistsTx(ctx, tx, set.ID, req.AuthorizationID)
		if err != nil {
			return err
		}
		if exists {
			return apperrors.NewWithDetail(apperrors.ErrCodeConflict,
				"Authorization id already permitted", "", http.StatusConflict)
		}

		subject = &types.AuthorizedSubject{
			ID:              uuid.New(),
			KeyShareSetID:   set.ID,
			AuthorizationID: req.AuthorizationID,
			Origin:          false,
			AddedBy:         req.AddedBy,
		}
		return s.subjectRepo.InsertTx(ctx, tx, subject)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, storage.AuditActionSubjectAuthorized, storage.ResourceTypeKeyShareSet,
		req.TokenID, req.AuthorizationID, nil)
	return subject, nil
}

// SignMessageRequest signs an arbitrary message with EIP-191 personal-message
// framing.
type SignMessageRequest struct {
	TokenID                string
	Credential             string
	ClaimedAuthorizationID string
	Message                []byte
}

// SignMessageResponse is the assembled message signature.
type SignMessageResponse struct {
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// SignMessage runs the verify-and-sign sequence over an EIP-191 digest and
// encodes the result in the conventional 0x || r || s || v form.
func (s *Service) SignMessage(ctx context.Context, req *SignMessageRequest) (*SignMessageResponse, error) {
	set, err := s.loadActiveSet(ctx, req.TokenID, req.ClaimedAuthorizationID)
	if err != nil {
		return nil, err
	}
	if len(req.Message) == 0 {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid sign request", "message is required", http.StatusBadRequest)
	}

	digest := internalcrypto.PersonalMessageDigest(req.Message)

	result, err := s.executor.VerifyAndSign(ctx, &signexec.Request{
		Credential:             req.Credential,
		ClaimedAuthorizationID: req.ClaimedAuthorizationID,
		Digest:                 digest[:],
		PublicKey:              set.PublicKey,
	})
	if err != nil {
		s.audit(ctx, storage.AuditActionSigningFailed, storage.ResourceTypeMessage,
			set.TokenID, req.ClaimedAuthorizationID, err)
		return nil, err
	}

	s.audit(ctx, storage.AuditActionSigningCompleted, storage.ResourceTypeMessage,
		set.TokenID, req.ClaimedAuthorizationID, nil)

	return &SignMessageResponse{
		Signature: result.Signature.EncodeMessage(),
		Address:   set.DerivedAddress,
	}, nil
}

// Transaction envelope types accepted by SignTransaction. Empty means
// dynamic-fee.
const (
	TxTypeDynamic = "dynamic"
	TxTypeLegacy  = "legacy"
)

// SignTransactionRequest signs (and optionally broadcasts) an Ethereum
// transaction. Nil nonce and gas fields are filled from the RPC endpoint.
// TxType selects the envelope: dynamic-fee (default) uses GasFeeCap and
// GasTipCap, legacy uses GasPrice and gets EIP-155 replay protection.
type SignTransactionRequest struct {
	TokenID                string
	Credential             string
	ClaimedAuthorizationID string

	To        string
	ValueWei  *big.Int
	Data      []byte
	ChainID   int64
	TxType    string
	Nonce     *uint64
	GasLimit  *uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
	GasPrice  *big.Int

	Broadcast bool
}

// SignTransactionResponse is the signed envelope and optional broadcast hash.
type SignTransactionResponse struct {
	RawTransaction string `json:"raw_transaction"`
	Hash           string `json:"hash"`
	Broadcast      bool   `json:"broadcast"`
}

// SignTransaction builds the unsigned transaction, runs verify-and-sign over
// its signing digest and attaches the signature with the replay-protected
// encoding for the target chain.
func (s *Service) SignTransaction(ctx context.Context, req *SignTransactionRequest) (*SignTransactionResponse, error) {
	set, err := s.loadActiveSet(ctx, req.TokenID, req.ClaimedAuthorizationID)
	if err != nil {
		return nil, err
	}

	tx, chainID, err := s.buildTransaction(ctx, set, req)
	if err != nil {
		return nil, err
	}

	digest, err := ethsig.TxSigningDigest(tx, chainID)
	if err != nil {
		return nil, err
	}

	result, err := s.executor.VerifyAndSign(ctx, &signexec.Request{
		Credential:             req.Credential,
		ClaimedAuthorizationID: req.ClaimedAuthorizationID,
		Digest:                 digest,
		PublicKey:              set.PublicKey,
	})
	if err != nil {
		s.audit(ctx, storage.AuditActionSigningFailed, storage.ResourceTypeTransaction,
			set.TokenID, req.ClaimedAuthorizationID, err)
		return nil, err
	}

	signed, err := ethsig.AttachToTx(tx, chainID, result.Signature)
	if err != nil {
		return nil, err
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}

	resp := &SignTransactionResponse{
		RawTransaction: hexutil.Encode(raw),
		Hash:           signed.Hash().Hex(),
	}

	s.audit(ctx, storage.AuditActionSigningCompleted, storage.ResourceTypeTransaction,
		set.TokenID, req.ClaimedAuthorizationID, nil)

	if req.Broadcast {
		if s.chain == nil {
			return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
				"Cannot broadcast", "no RPC endpoint configured", http.StatusBadRequest)
		}
		hash, err := s.chain.SendRawTransaction(ctx, signed)
		if err != nil {
			s.auditTx(ctx, storage.AuditActionTransactionFailed, set.TokenID, req.ClaimedAuthorizationID, nil, err)
			return nil, apperrors.UpstreamUnavailable("broadcast failed: " + err.Error())
		}
		resp.Broadcast = true
		resp.Hash = hash
		s.auditTx(ctx, storage.AuditActionTransactionSent, set.TokenID, req.ClaimedAuthorizationID, &hash, nil)
	}

	return resp, nil
}

// loadActiveSet fetches the set and pre-checks that the claimed authorization
// id is permitted for it. This is a fast-fail courtesy only: the executor and
// (in remote mode) the nodes re-derive and re-check the binding from the
// credential itself.
func (s *Service) loadActiveSet(ctx context.Context, tokenID, claimedID string) (*types.KeyShareSet, error) {
	if err := validation.ValidateTokenID(tokenID); err != nil {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid token id", err.Error(), http.StatusBadRequest)
	}
	if !authid.Valid(claimedID) {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid authorization id", "must be 32 bytes of hex", http.StatusBadRequest)
	}

	set, err := s.setRepo.GetByTokenID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, apperrors.WalletNotFound(tokenID)
	}
	if set.Status != types.KeyShareSetStatusActive {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeConflict,
			"Key share set cannot sign", "status: "+set.Status, http.StatusConflict)
	}

	subjects, err := s.subjectRepo.ListByKeyShareSet(ctx, set.ID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subjects {
		if authid.Equal(sub.AuthorizationID, claimedID) {
			return set, nil
		}
	}
	return nil, apperrors.Unauthorized("claimed authorization id is not permitted for this key share set")
}

// buildTransaction assembles the unsigned transaction, filling omitted nonce
// and gas parameters from the RPC endpoint when one is configured.
func (s *Service) buildTransaction(ctx context.Context, set *types.KeyShareSet, req *SignTransactionRequest) (*ethtypes.Transaction, *big.Int, error) {
	if err := validation.ValidateEthereumAddress(req.To); err != nil {
		return nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid recipient", err.Error(), http.StatusBadRequest)
	}

	value := req.ValueWei
	if value == nil {
		value = big.NewInt(0)
	}
	if err := validation.ValidateTransactionValue(value, nil); err != nil {
		return nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid value", err.Error(), http.StatusBadRequest)
	}

	chainID := big.NewInt(req.ChainID)
	if req.ChainID == 0 {
		if s.chain == nil {
			return nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
				"Missing chain id", "no RPC endpoint configured to detect it", http.StatusBadRequest)
		}
		chainID = s.chain.ChainIDBig()
	}
	if err := validation.ValidateChainID(chainID.Int64()); err != nil {
		return nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid chain id", err.Error(), http.StatusBadRequest)
	}

	nonce, err := s.resolveNonce(ctx, set, req)
	if err != nil {
		return nil, nil, err
	}

	toAddr := common.HexToAddress(req.To)

	switch req.TxType {
	case "", TxTypeDynamic:
		gasLimit, feeCap, tipCap, err := s.resolveGas(ctx, set, req, value)
		if err != nil {
			return nil, nil, err
		}
		return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &toAddr,
			Value:     value,
			Data:      req.Data,
		}), chainID, nil

	case TxTypeLegacy:
		gasLimit, gasPrice, err := s.resolveLegacyGas(ctx, set, req, value)
		if err != nil {
			return nil, nil, err
		}
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &toAddr,
			Value:    value,
			Data:     req.Data,
		}), chainID, nil

	default:
		return nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid transaction type", "must be \"dynamic\" or \"legacy\"", http.StatusBadRequest)
	}
}

func (s *Service) resolveNonce(ctx context.Context, set *types.KeyShareSet, req *SignTransactionRequest) (uint64, error) {
	if req.Nonce != nil {
		return *req.Nonce, nil
	}
	if s.chain == nil {
		return 0, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Missing nonce", "no RPC endpoint configured to fetch it", http.StatusBadRequest)
	}
	nonce, err := s.chain.GetNonce(ctx, set.DerivedAddress)
	if err != nil {
		return 0, apperrors.UpstreamUnavailable("failed to fetch nonce: " + err.Error())
	}
	return nonce, nil
}

func (s *Service) resolveGas(ctx context.Context, set *types.KeyShareSet, req *SignTransactionRequest, value *big.Int) (uint64, *big.Int, *big.Int, error) {
	if req.GasPrice != nil {
		return 0, nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid gas parameters", "dynamic-fee transactions take fee caps, not gas_price", http.StatusBadRequest)
	}

	if req.GasLimit != nil && req.GasFeeCap != nil && req.GasTipCap != nil {
		if err := validation.ValidateGasParameters(*req.GasLimit, req.GasFeeCap, req.GasTipCap); err != nil {
			return 0, nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
				"Invalid gas parameters", err.Error(), http.StatusBadRequest)
		}
		return *req.GasLimit, req.GasFeeCap, req.GasTipCap, nil
	}

	if s.chain == nil {
		return 0, nil, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Missing gas parameters", "no RPC endpoint configured to estimate them", http.StatusBadRequest)
	}

	gasLimit := uint64(0)
	if req.GasLimit != nil {
		gasLimit = *req.GasLimit
	} else {
		estimated, err := s.chain.EstimateGas(ctx, set.DerivedAddress, req.To, value, req.Data)
		if err != nil {
			return 0, nil, nil, apperrors.UpstreamUnavailable("failed to estimate gas: " + err.Error())
		}
		gasLimit = estimated
	}

	feeCap := req.GasFeeCap
	if feeCap == nil {
		suggested, err := s.chain.SuggestGasPrice(ctx)
		if err != nil {
			return 0, nil, nil, apperrors.UpstreamUnavailable("failed to fetch gas price: " + err.Error())
		}
		feeCap = suggested
	}

	tipCap := req.GasTipCap
	if tipCap == nil {
		suggested, err := s.chain.SuggestGasTipCap(ctx)
		if err != nil {
			return 0, nil, nil, apperrors.UpstreamUnavailable("failed to fetch gas tip cap: " + err.Error())
		}
		tipCap = suggested
	}
	if tipCap.Cmp(feeCap) > 0 {
		tipCap = new(big.Int).Set(feeCap)
	}

	return gasLimit, feeCap, tipCap, nil
}

// resolveLegacyGas resolves gas limit and gas price for a legacy transaction,
// estimating from the RPC endpoint when fields are omitted.
func (s *Service) resolveLegacyGas(ctx context.Context, set *types.KeyShareSet, req *SignTransactionRequest, value *big.Int) (uint64, *big.Int, error) {
	if req.GasFeeCap != nil || req.GasTipCap != nil {
		return 0, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Invalid gas parameters", "legacy transactions take gas_price, not fee caps", http.StatusBadRequest)
	}

	if req.GasLimit != nil && req.GasPrice != nil {
		if err := validation.ValidateGasParameters(*req.GasLimit, req.GasPrice, req.GasPrice); err != nil {
			return 0, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
				"Invalid gas parameters", err.Error(), http.StatusBadRequest)
		}
		return *req.GasLimit, req.GasPrice, nil
	}

	if s.chain == nil {
		return 0, nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest,
			"Missing gas parameters", "no RPC endpoint configured to estimate them", http.StatusBadRequest)
	}

	gasLimit := uint64(0)
	if req.GasLimit != nil {
		gasLimit = *req.GasLimit
	} else {
		estimated, err := s.chain.EstimateGas(ctx, set.DerivedAddress, req.To, value, req.Data)
		if err != nil {
			return 0, nil, apperrors.UpstreamUnavailable("failed to estimate gas: " + err.Error())
		}
		gasLimit = estimated
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		suggested, err := s.chain.SuggestGasPrice(ctx)
		if err != nil {
			return 0, nil, apperrors.UpstreamUnavailable("failed to fetch gas price: " + err.Error())
		}
		gasPrice = suggested
	}

	return gasLimit, gasPrice, nil
}

// audit records an event; failures are logged, never surfaced to the caller.
func (s *Service) audit(ctx context.Context, action, resourceType, resourceID, authorizationID string, opErr error) {
	entry := &storage.AuditLogEntry{
		Action:          action,
		ResourceType:    resourceType,
		ResourceID:      resourceID,
		AuthorizationID: authorizationID,
		ExecutionMode:   s.executor.Mode(),
	}
	if opErr != nil {
		msg := opErr.Error()
		entry.ErrorMessage = &msg
	}
	if ip := middleware.GetClientIP(ctx); ip != nil {
		entry.ClientIP = *ip
	}
	if ua := middleware.GetUserAgent(ctx); ua != nil {
		entry.UserAgent = *ua
	}
	if err := s.auditRepo.Log(ctx, entry); err != nil {
		logger.Error(ctx, "failed to write audit log", "action", action, "error", err)
	}
}

func (s *Service) auditTx(ctx context.Context, action, tokenID, authorizationID string, txHash *string, opErr error) {
	entry := &storage.AuditLogEntry{
		Action:          action,
		ResourceType:    storage.ResourceTypeTransaction,
		ResourceID:      tokenID,
		AuthorizationID: authorizationID,
		ExecutionMode:   s.executor.Mode(),
		TxHash:          txHash,
	}
	if opErr != nil {
		msg := opErr.Error()
		entry.ErrorMessage = &msg
	}
	if err := s.auditRepo.Log(ctx, entry); err != nil {
		logger.Error(ctx, "failed to write audit log", "action", action, "error", err)
	}
}
