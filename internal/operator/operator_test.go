package operator

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"whizy-agent/internal/web3"
)

// generated with crypto.GenerateKey, test-only
const testKeyHex = "fad9c8855b740a0b7ed4c221dbad0f33a83a49cad6b3fe8d5817ac83d38b6a19"

const delegationAddr = "0x6D5f91cA52bdD5d3DAAb52D91fBfd7e7D253d64A"

type stubChain struct {
	nonce         uint64
	gasPrice      *big.Int
	chainID       *big.Int
	receiptStatus uint64
	sentTx        *coretypes.Transaction
}

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}
func (s *stubChain) ChainID(context.Context) (*big.Int, error) { return s.chainID, nil }
func (s *stubChain) CallContract(context.Context, common.Address, []byte) ([]byte, error) {
	return nil, nil
}
func (s *stubChain) SuggestGasPrice(context.Context) (*big.Int, error) { return s.gasPrice, nil }
func (s *stubChain) PendingNonce(context.Context, common.Address) (uint64, error) {
	return s.nonce, nil
}
func (s *stubChain) SendSignedTx(_ context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	s.sentTx = tx
	return tx.Hash(), nil
}
func (s *stubChain) WaitReceipt(_ context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{Status: s.receiptStatus, TxHash: txHash}, nil
}
func (s *stubChain) Close() {}

func newTestOperator(t *testing.T, chain *stubChain) *Operator {
	t.Helper()
	op, err := New(chain, Config{
		PrivateKeyHex:        "0x" + testKeyHex,
		RebalancerDelegation: delegationAddr,
	})
	if err != nil {
		t.Fatalf("new operator: %v", err)
	}
	return op
}

func TestRebalanceSignsLegacyTx(t *testing.T) {
	chain := &stubChain{
		nonce:         7,
		gasPrice:      big.NewInt(25_000_000_000),
		chainID:       big.NewInt(296),
		receiptStatus: coretypes.ReceiptStatusSuccessful,
	}
	op := newTestOperator(t, chain)

	hash, err := op.Rebalance(context.Background(), "0x00000000000000000000000000000000000000CC")
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if hash == "" {
		t.Fatal("expected a transaction hash")
	}

	tx := chain.sentTx
	if tx == nil {
		t.Fatal("no transaction broadcast")
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", tx.Nonce())
	}
	if tx.Gas() != 500000 {
		t.Fatalf("gas = %d, want default 500000", tx.Gas())
	}
	if tx.GasPrice().Cmp(chain.gasPrice) != 0 {
		t.Fatalf("gas price = %s", tx.GasPrice())
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(delegationAddr) {
		t.Fatalf("tx target = %v", tx.To())
	}

	signer := coretypes.LatestSignerForChainID(chain.chainID)
	from, err := coretypes.Sender(signer, tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != op.Address() {
		t.Fatalf("sender %s does not match operator %s", from.Hex(), op.Address().Hex())
	}
}

func TestRebalanceRevertedReceipt(t *testing.T) {
	chain := &stubChain{
		nonce:         1,
		gasPrice:      big.NewInt(1),
		chainID:       big.NewInt(296),
		receiptStatus: coretypes.ReceiptStatusFailed,
	}
	op := newTestOperator(t, chain)

	if _, err := op.Rebalance(context.Background(), "0x00000000000000000000000000000000000000CC"); err == nil {
		t.Fatal("expected error for reverted transaction")
	}
}

func TestRebalanceRejectsBadAddress(t *testing.T) {
	op := newTestOperator(t, &stubChain{chainID: big.NewInt(296)})
	if _, err := op.Rebalance(context.Background(), "not-an-address"); err == nil {
		t.Fatal("expected error for invalid user address")
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(&stubChain{}, Config{RebalancerDelegation: delegationAddr}); err == nil {
		t.Fatal("expected error without a private key")
	}
}
