// Package wallet reads user state from the on-chain contracts. Users sign
// their own transactions on the frontend; everything here is read-only.
package wallet

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"whizy-agent/internal/contracts"
	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/web3"
)

// UserConfig mirrors RebalancerDelegation.userConfigs.
type UserConfig struct {
	Enabled         bool    `json:"enabled"`
	RiskProfile     int     `json:"risk_profile"`
	DepositedAmount float64 `json:"deposited_amount"`
}

// TokenPosition is one staked token balance.
type TokenPosition struct {
	Token        string  `json:"token"`
	TokenAddress string  `json:"token_address"`
	Amount       float64 `json:"amount"`
}

// Reader answers read-only contract queries for a single chain.
type Reader struct {
	client        web3.Client
	delegation    common.Address
	selector      common.Address
	token         common.Address
	tokenSymbol   string
	tokenDecimals int
}

// Config pins the contract addresses a Reader talks to.
type Config struct {
	RebalancerDelegation string
	ProtocolSelector     string
	Token                string
	TokenSymbol          string
	TokenDecimals        int
}

// NewReader builds a Reader over the given chain client.
func NewReader(client web3.Client, cfg Config) (*Reader, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chain client is nil")
	}
	if !common.IsHexAddress(cfg.RebalancerDelegation) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid rebalancer delegation address")
	}
	if !common.IsHexAddress(cfg.Token) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid token address")
	}
	symbol := cfg.TokenSymbol
	if symbol == "" {
		symbol = "USDC"
	}
	decimals := cfg.TokenDecimals
	if decimals <= 0 {
		decimals = 6
	}

	r := &Reader{
		client:        client,
		delegation:    common.HexToAddress(cfg.RebalancerDelegation),
		token:         common.HexToAddress(cfg.Token),
		tokenSymbol:   symbol,
		tokenDecimals: decimals,
	}
	if cfg.ProtocolSelector != "" {
		if !common.IsHexAddress(cfg.ProtocolSelector) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid protocol selector address")
		}
		r.selector = common.HexToAddress(cfg.ProtocolSelector)
	}
	return r, nil
}

// UserConfig reads the delegation configuration for a wallet address.
func (r *Reader) UserConfig(ctx context.Context, userAddress string) (UserConfig, error) {
	user, err := parseAddress(userAddress)
	if err != nil {
		return UserConfig{}, err
	}

	data, err := contracts.RebalancerDelegation.Pack("userConfigs", user)
	if err != nil {
		return UserConfig{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "pack userConfigs call")
	}
	raw, err := r.client.CallContract(ctx, r.delegation, data)
	if err != nil {
		return UserConfig{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "call userConfigs")
	}

	values, err := contracts.RebalancerDelegation.Unpack("userConfigs", raw)
	if err != nil {
		return UserConfig{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "decode userConfigs result")
	}
	if len(values) != 3 {
		return UserConfig{}, xerrors.New(xerrors.CodeChainFailure,
			fmt.Sprintf("userConfigs returned %d values, want 3", len(values)))
	}

	enabled, ok := values[0].(bool)
	if !ok {
		return UserConfig{}, xerrors.New(xerrors.CodeChainFailure, "userConfigs enabled flag has wrong type")
	}
	riskProfile, ok := values[1].(uint8)
	if !ok {
		return UserConfig{}, xerrors.New(xerrors.CodeChainFailure, "userConfigs risk profile has wrong type")
	}
	deposited, ok := values[2].(*big.Int)
	if !ok {
		return UserConfig{}, xerrors.New(xerrors.CodeChainFailure, "userConfigs deposited amount has wrong type")
	}

	return UserConfig{
		Enabled:         enabled,
		RiskProfile:     int(riskProfile),
		DepositedAmount: r.scale(deposited),
	}, nil
}

// TokenBalance reads the user's token balance from the ERC-20 contract.
func (r *Reader) TokenBalance(ctx context.Context, userAddress string) (float64, error) {
	user, err := parseAddress(userAddress)
	if err != nil {
		return 0, err
	}

	data, err := contracts.ERC20.Pack("balanceOf", user)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "pack balanceOf call")
	}
	raw, err := r.client.CallContract(ctx, r.token, data)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "call balanceOf")
	}

	values, err := contracts.ERC20.Unpack("balanceOf", raw)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "decode balanceOf result")
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return 0, xerrors.New(xerrors.CodeChainFailure, "balanceOf returned wrong type")
	}
	return r.scale(balance), nil
}

// StakedBalances reads the user's total staked balance from the protocol
// selector. Zero balances are omitted.
func (r *Reader) StakedBalances(ctx context.Context, userAddress string) ([]TokenPosition, error) {
	if (r.selector == common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "protocol selector address is not configured")
	}
	user, err := parseAddress(userAddress)
	if err != nil {
		return nil, err
	}

	data, err := contracts.ProtocolSelector.Pack("getTotalBalance", user, r.token)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "pack getTotalBalance call")
	}
	raw, err := r.client.CallContract(ctx, r.selector, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "call getTotalBalance")
	}

	values, err := contracts.ProtocolSelector.Unpack("getTotalBalance", raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "decode getTotalBalance result")
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainFailure, "getTotalBalance returned wrong type")
	}

	amount := r.scale(balance)
	positions := make([]TokenPosition, 0, 1)
	if amount >= 1 {
		positions = append(positions, TokenPosition{
			Token:        r.tokenSymbol,
			TokenAddress: r.token.Hex(),
			Amount:       amount,
		})
	}
	return positions, nil
}

func (r *Reader) scale(raw *big.Int) float64 {
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(raw),
		big.NewFloat(math.Pow10(r.tokenDecimals)),
	).Float64()
	return value
}

func parseAddress(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("invalid wallet address %q", addr))
	}
	return common.HexToAddress(addr), nil
}
