package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot summarizes network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client is the common surface any chain implementation must provide so the
// wallet reader and the operator signer can work against different networks.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SendSignedTx(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}
