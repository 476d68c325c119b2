// Package eth wraps the upstream JSON-RPC client used to fill transaction
// defaults (nonce, gas) before digest computation and to broadcast signed
// envelopes after signature assembly.
package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps an Ethereum RPC endpoint. The chain id is detected once at
// construction and pinned; signature assembly depends on it, so a client is
// never reused across chains.
type Client struct {
	client  *ethclient.Client
	chainID *big.Int
}

// NewClient connects to the RPC endpoint and pins its chain id. When
// expectedChainID is non-zero, a mismatch with the endpoint's reported chain
// id is a hard startup failure.
func NewClient(rpcURL string, expectedChainID int64) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	if expectedChainID != 0 && chainID.Int64() != expectedChainID {
		client.Close()
		return nil, fmt.Errorf("RPC endpoint reports chain id %d, configured %d", chainID.Int64(), expectedChainID)
	}

	return &Client{
		client:  client,
		chainID: chainID,
	}, nil
}

// ChainID returns the pinned chain id.
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// ChainIDBig returns the pinned chain id as a big.Int.
func (c *Client) ChainIDBig() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// GetBalance returns the balance of an address in wei.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	addr := common.HexToAddress(address)
	balance, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// GetNonce returns the next pending nonce for an address.
func (c *Client) GetNonce(ctx context.Context, address string) (uint64, error) {
	addr := common.HexToAddress(address)
	nonce, err := c.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

// EstimateGas estimates gas for a transaction and adds a 20% buffer. An empty
// "to" is treated as contract deployment.
func (c *Client) EstimateGas(ctx context.Context, from, to string, value *big.Int, data []byte) (uint64, error) {
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(from),
		Value: value,
		Data:  data,
	}
	if to != "" {
		toAddr := common.HexToAddress(to)
		msg.To = &toAddr
	}

	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}

	return gas * 120 / 100, nil
}

// SuggestGasPrice returns the suggested legacy gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return gasPrice, nil
}

// SuggestGasTipCap returns the suggested priority fee for EIP-1559
// transactions.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tipCap, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	return tipCap, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, signedTx *ethtypes.Transaction) (string, error) {
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.client.Close()
}
