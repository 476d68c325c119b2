package api

import (
	"context"

	"github.com/covenant-wallet/covenant/internal/app"
	"github.com/covenant-wallet/covenant/pkg/types"
)

// WalletService is the subset of app.Service used by the API layer.
// It is an interface to allow handler-level unit tests without a database.
type WalletService interface {
	Provision(ctx context.Context, req *app.ProvisionRequest) (*app.ProvisionResponse, error)
	GetKeyShareSet(ctx context.Context, tokenID string) (*types.KeyShareSet, []*types.AuthorizedSubject, error)
	AddAuthorizedSubject(ctx context.Context, req *app.AddSubjectRequest) (*types.AuthorizedSubject, error)

	SignMessage(ctx context.Context, req *app.SignMessageRequest) (*app.SignMessageResponse, error)
	SignTransaction(ctx context.Context, req *app.SignTransactionRequest) (*app.SignTransactionResponse, error)
}

var _ WalletService = (*app.Service)(nil)
