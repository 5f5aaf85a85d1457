// Package operator signs and submits rebalance transactions on behalf of the
// configured operator account.
package operator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"whizy-agent/internal/contracts"
	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/web3"
)

// Config describes the operator account and the target contract.
type Config struct {
	PrivateKeyHex        string
	RebalancerDelegation string
	GasLimit             uint64
}

// Operator holds the signing key and submits contract calls through a chain
// client.
type Operator struct {
	client     web3.Client
	key        *ecdsa.PrivateKey
	address    common.Address
	delegation common.Address
	gasLimit   uint64
}

// New derives the operator account from the private key.
func New(client web3.Client, cfg Config) (*Operator, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chain client is nil")
	}
	keyHex := strings.TrimSpace(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "OPERATOR_PRIVATE_KEY is not set")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse operator private key")
	}
	if !common.IsHexAddress(cfg.RebalancerDelegation) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid rebalancer delegation address")
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 500000
	}

	return &Operator{
		client:     client,
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		delegation: common.HexToAddress(cfg.RebalancerDelegation),
		gasLimit:   gasLimit,
	}, nil
}

// Address returns the operator's wallet address.
func (o *Operator) Address() common.Address {
	return o.address
}

// Rebalance calls RebalancerDelegation.rebalance(user) and waits for the
// transaction to be mined. Returns the transaction hash.
func (o *Operator) Rebalance(ctx context.Context, userAddress string) (string, error) {
	if !common.IsHexAddress(userAddress) {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("invalid user address %q", userAddress))
	}
	user := common.HexToAddress(userAddress)

	data, err := contracts.RebalancerDelegation.Pack("rebalance", user)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "pack rebalance call")
	}

	nonce, err := o.client.PendingNonce(ctx, o.address)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "fetch operator nonce",
			xerrors.WithRetryable(true))
	}
	gasPrice, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "fetch gas price",
			xerrors.WithRetryable(true))
	}
	chainID, err := o.client.ChainID(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "fetch chain id",
			xerrors.WithRetryable(true))
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &o.delegation,
		Gas:      o.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), o.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "sign rebalance transaction")
	}

	hash, err := o.client.SendSignedTx(ctx, signed)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "broadcast rebalance transaction",
			xerrors.WithRetryable(true))
	}

	receipt, err := o.client.WaitReceipt(ctx, hash)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "wait for rebalance receipt",
			xerrors.WithRetryable(true))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return "", xerrors.New(xerrors.CodeChainFailure,
			fmt.Sprintf("rebalance transaction %s reverted", hash.Hex()))
	}
	return hash.Hex(), nil
}
