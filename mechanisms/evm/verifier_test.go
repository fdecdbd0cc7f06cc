package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402 "github.com/x402-foundation/x402-commerce"
)

const (
	testTxHash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
	testUSDC   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo  = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testPayer  = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
)

type mockChainReader struct {
	receipt    *types.Receipt
	receiptErr error
	tx         *types.Transaction
}

func (m *mockChainReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return m.receipt, nil
}

func (m *mockChainReader) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if m.tx == nil {
		return nil, false, ethereum.NotFound
	}
	return m.tx, false, nil
}

func transferLog(token, from, to string, amount int64) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			TransferEventTopic,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func expectation(asset string, min int64) x402.TransferExpectation {
	return x402.TransferExpectation{
		Network:   "eip155:84532",
		TxHash:    testTxHash,
		Asset:     asset,
		PayTo:     testPayTo,
		MinAmount: big.NewInt(min),
	}
}

func onchainCode(err error) string {
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func TestTransferVerifierERC20(t *testing.T) {
	tests := []struct {
		name    string
		receipt *types.Receipt
		min     int64
		wantErr bool
	}{
		{
			name: "exact amount",
			receipt: &types.Receipt{Status: TxStatusSuccess, Logs: []*types.Log{
				transferLog(testUSDC, testPayer, testPayTo, 1000000),
			}},
			min: 1000000,
		},
		{
			name: "split transfers sum up",
			receipt: &types.Receipt{Status: TxStatusSuccess, Logs: []*types.Log{
				transferLog(testUSDC, testPayer, testPayTo, 400000),
				transferLog(testUSDC, testPayer, testPayTo, 600000),
			}},
			min: 1000000,
		},
		{
			name: "too little",
			receipt: &types.Receipt{Status: TxStatusSuccess, Logs: []*types.Log{
				transferLog(testUSDC, testPayer, testPayTo, 999999),
			}},
			min:     1000000,
			wantErr: true,
		},
		{
			name: "wrong token",
			receipt: &types.Receipt{Status: TxStatusSuccess, Logs: []*types.Log{
				transferLog("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", testPayer, testPayTo, 1000000),
			}},
			min:     1000000,
			wantErr: true,
		},
		{
			name: "wrong recipient",
			receipt: &types.Receipt{Status: TxStatusSuccess, Logs: []*types.Log{
				transferLog(testUSDC, testPayer, testPayer, 1000000),
			}},
			min:     1000000,
			wantErr: true,
		},
		{
			name: "reverted",
			receipt: &types.Receipt{Status: TxStatusFailed, Logs: []*types.Log{
				transferLog(testUSDC, testPayer, testPayTo, 1000000),
			}},
			min:     1000000,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewTransferVerifier(&mockChainReader{receipt: tt.receipt})
			err := v.VerifyTransfer(context.Background(), expectation(testUSDC, tt.min))
			if tt.wantErr {
				if onchainCode(err) != x402.ErrCodeOnchainMismatch {
					t.Errorf("Expected onchain mismatch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestTransferVerifierNative(t *testing.T) {
	to := common.HexToAddress(testPayTo)
	tx := types.NewTx(&types.LegacyTx{To: &to, Value: big.NewInt(5e15)})

	v := NewTransferVerifier(&mockChainReader{
		receipt: &types.Receipt{Status: TxStatusSuccess},
		tx:      tx,
	})

	if err := v.VerifyTransfer(context.Background(), expectation(NativeAssetPlaceholder, 5e15)); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	err := v.VerifyTransfer(context.Background(), expectation(NativeAssetPlaceholder, 6e15))
	if onchainCode(err) != x402.ErrCodeOnchainMismatch {
		t.Errorf("Expected onchain mismatch, got %v", err)
	}
}

func TestTransferVerifierNodeErrorsAreRetryable(t *testing.T) {
	v := NewTransferVerifier(&mockChainReader{receiptErr: ethereum.NotFound})
	err := v.VerifyTransfer(context.Background(), expectation(testUSDC, 1))
	if !x402.IsRetryable(err) {
		t.Errorf("Expected retryable error, got %v", err)
	}

	v = NewTransferVerifier(&mockChainReader{receiptErr: errors.New("connection reset")})
	err = v.VerifyTransfer(context.Background(), expectation(testUSDC, 1))
	if !x402.IsRetryable(err) {
		t.Errorf("Expected retryable error, got %v", err)
	}
}

func TestTransferVerifierMalformedHash(t *testing.T) {
	v := NewTransferVerifier(&mockChainReader{})
	exp := expectation(testUSDC, 1)
	exp.TxHash = "0x1234"

	if err := v.VerifyTransfer(context.Background(), exp); onchainCode(err) != x402.ErrCodeOnchainMismatch {
		t.Errorf("Expected onchain mismatch, got %v", err)
	}
}

func TestIsNativeAsset(t *testing.T) {
	if !IsNativeAsset(NativeAssetPlaceholder) || !IsNativeAsset("0x0000000000000000000000000000000000000000") {
		t.Error("Expected native placeholders to be native")
	}
	if IsNativeAsset(testUSDC) {
		t.Error("Expected USDC not to be native")
	}
}
