package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeBackend struct {
	chainID      *big.Int
	blockNumber  uint64
	callResult   []byte
	gasPrice     *big.Int
	nonce        uint64
	sentTx       *coretypes.Transaction
	receipt      *coretypes.Receipt
	receiptAfter int
	receiptPolls int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return f.blockNumber, nil
}
func (f *fakeBackend) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return f.callResult, nil
}
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.sentTx = tx
	return nil
}
func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	f.receiptPolls++
	if f.receiptPolls <= f.receiptAfter {
		return nil, gethcore.NotFound
	}
	return f.receipt, nil
}

func TestFetchChainSnapshot(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(296), blockNumber: 4096}
	client := NewWithBackend("hedera-testnet", big.NewInt(296), backend)

	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x128" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber != "0x1000" {
		t.Fatalf("unexpected block number %s", snapshot.BlockNumber)
	}
}

func TestWaitReceiptPollsUntilMined(t *testing.T) {
	receipt := &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}
	backend := &fakeBackend{chainID: big.NewInt(296), receipt: receipt, receiptAfter: 2}
	client := NewWithBackend("hedera-testnet", big.NewInt(296), backend)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := client.WaitReceipt(ctx, common.HexToHash("0xabc"))
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	if got.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt status %d", got.Status)
	}
	if backend.receiptPolls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", backend.receiptPolls)
	}
}

func TestWaitReceiptHonorsContext(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(296), receiptAfter: 1 << 30}
	client := NewWithBackend("hedera-testnet", big.NewInt(296), backend)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := client.WaitReceipt(ctx, common.HexToHash("0xabc")); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestSendSignedTxReturnsHash(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(296)}
	client := NewWithBackend("hedera-testnet", big.NewInt(296), backend)

	to := common.HexToAddress("0x6D5f91cA52bdD5d3DAAb52D91fBfd7e7D253d64A")
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    7,
		To:       &to,
		Gas:      500000,
		GasPrice: big.NewInt(1),
	})

	hash, err := client.SendSignedTx(context.Background(), tx)
	if err != nil {
		t.Fatalf("send tx: %v", err)
	}
	if hash != tx.Hash() {
		t.Fatalf("hash mismatch")
	}
	if backend.sentTx == nil {
		t.Fatalf("backend did not receive the transaction")
	}
}
