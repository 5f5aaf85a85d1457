package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"whizy-agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Backend is the subset of ethclient.Client the wallet reader and operator
// signer use. A fake backend stands in for it in tests.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	backend   Backend
	chainID   *big.Int

	receiptPoll time.Duration

	mu sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use
// client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ethereum rpc url is not configured")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		backend:     ethclient.NewClient(rpcClient),
		receiptPoll: 2 * time.Second,
	}
	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}
	return client, nil
}

// NewWithBackend wraps an injected backend for testing purposes.
func NewWithBackend(name string, chainID *big.Int, backend Backend) *Client {
	return &Client{
		name:        name,
		backend:     backend,
		chainID:     new(big.Int).Set(chainID),
		notes:       "injected backend",
		receiptPoll: time.Millisecond,
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.backend = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("ethereum client is not initialized")
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("fetch chain id: %w", err)
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("fetch block number: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// ChainID returns the configured chain id, falling back to the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// CallContract executes a read-only contract call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("ethereum client is not initialized")
	}
	return c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
}

// SuggestGasPrice asks the node for a gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.backend.SuggestGasPrice(ctx)
}

// PendingNonce returns the next nonce for an account, pending txs included.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.backend.PendingNonceAt(ctx, account)
}

// SendSignedTx broadcasts an already-signed transaction.
func (c *Client) SendSignedTx(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, errors.New("transaction is nil")
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return tx.Hash(), nil
}

// WaitReceipt polls for the transaction receipt until the context expires.
func (c *Client) WaitReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	poll := c.receiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
