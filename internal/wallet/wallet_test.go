package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"whizy-agent/internal/contracts"
	"whizy-agent/internal/web3"
)

type stubClient struct {
	results map[common.Address][]byte
	lastTo  common.Address
}

func (s *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}
func (s *stubClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(296), nil }
func (s *stubClient) CallContract(_ context.Context, to common.Address, _ []byte) ([]byte, error) {
	s.lastTo = to
	return s.results[to], nil
}
func (s *stubClient) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubClient) PendingNonce(context.Context, common.Address) (uint64, error) { return 0, nil }
func (s *stubClient) SendSignedTx(context.Context, *coretypes.Transaction) (common.Hash, error) {
	return common.Hash{}, nil
}
func (s *stubClient) WaitReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, nil
}
func (s *stubClient) Close() {}

const (
	delegationAddr = "0x6D5f91cA52bdD5d3DAAb52D91fBfd7e7D253d64A"
	selectorAddr   = "0x0371aB2d90A436C8E5c5B6aF8835F46A6Ce884Ba"
	usdcAddr       = "0x8bc6E87bE188B7964E48f37d7A2c144416a995eE"
	userAddr       = "0x0000000000000000000000000000000000000003"
)

func newTestReader(t *testing.T, client web3.Client) *Reader {
	t.Helper()
	reader, err := NewReader(client, Config{
		RebalancerDelegation: delegationAddr,
		ProtocolSelector:     selectorAddr,
		Token:                usdcAddr,
		TokenDecimals:        6,
	})
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	return reader
}

func TestUserConfig(t *testing.T) {
	packed, err := contracts.RebalancerDelegation.Methods["userConfigs"].Outputs.Pack(
		true, uint8(2), big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	client := &stubClient{results: map[common.Address][]byte{
		common.HexToAddress(delegationAddr): packed,
	}}

	cfg, err := newTestReader(t, client).UserConfig(context.Background(), userAddr)
	if err != nil {
		t.Fatalf("user config: %v", err)
	}
	if !cfg.Enabled || cfg.RiskProfile != 2 || cfg.DepositedAmount != 5.0 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestTokenBalanceScaling(t *testing.T) {
	packed, err := contracts.ERC20.Methods["balanceOf"].Outputs.Pack(big.NewInt(1_250_000))
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	client := &stubClient{results: map[common.Address][]byte{
		common.HexToAddress(usdcAddr): packed,
	}}

	balance, err := newTestReader(t, client).TokenBalance(context.Background(), userAddr)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance != 1.25 {
		t.Fatalf("expected 1.25, got %f", balance)
	}
}

func TestStakedBalancesSkipsZero(t *testing.T) {
	packed, err := contracts.ProtocolSelector.Methods["getTotalBalance"].Outputs.Pack(big.NewInt(0))
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	client := &stubClient{results: map[common.Address][]byte{
		common.HexToAddress(selectorAddr): packed,
	}}

	positions, err := newTestReader(t, client).StakedBalances(context.Background(), userAddr)
	if err != nil {
		t.Fatalf("staked balances: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected zero balance to be skipped, got %+v", positions)
	}
}

func TestStakedBalancesReturnsPosition(t *testing.T) {
	packed, err := contracts.ProtocolSelector.Methods["getTotalBalance"].Outputs.Pack(big.NewInt(7_500_000))
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	client := &stubClient{results: map[common.Address][]byte{
		common.HexToAddress(selectorAddr): packed,
	}}

	positions, err := newTestReader(t, client).StakedBalances(context.Background(), userAddr)
	if err != nil {
		t.Fatalf("staked balances: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	if positions[0].Token != "USDC" || positions[0].Amount != 7.5 {
		t.Fatalf("unexpected position: %+v", positions[0])
	}
}

func TestRejectsInvalidAddress(t *testing.T) {
	client := &stubClient{}
	if _, err := newTestReader(t, client).UserConfig(context.Background(), "not-an-address"); err == nil {
		t.Fatalf("expected error for invalid address")
	}
}
